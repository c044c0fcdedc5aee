package bridge

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Transport carries protocol text to and from the frame grabber.
type Transport interface {
	// Write sends data verbatim and flushes it.
	Write(data string) error
	// ReadLine blocks for the next line, returned without surrounding
	// whitespace.
	ReadLine() (string, error)
	Close() error
}

// Starter launches a fresh transport. Used by GameBridge.Open.
type Starter func() (Transport, error)

// ProcessConfig describes the frame grabber child process.
type ProcessConfig struct {
	Command string
	Args    []string
	Width   int
	Height  int
}

// ProcessTransport runs the frame grabber as a child process and talks
// to it over its standard streams.
type ProcessTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writer *bufio.Writer
	reader *bufio.Reader

	closeOnce sync.Once
	logger    zerolog.Logger
}

// ProcessStarter returns a Starter that launches the configured child.
func ProcessStarter(cfg ProcessConfig, logger zerolog.Logger) Starter {
	return func() (Transport, error) {
		return StartProcess(cfg, logger)
	}
}

// StartProcess launches the child with `width=W height=H` appended to its
// arguments.
func StartProcess(cfg ProcessConfig, logger zerolog.Logger) (*ProcessTransport, error) {
	if cfg.Command == "" {
		return nil, errors.New("frame grabber command is empty")
	}

	args := append([]string{}, cfg.Args...)
	args = append(args,
		"width="+strconv.Itoa(cfg.Width),
		"height="+strconv.Itoa(cfg.Height),
	)

	cmd := exec.Command(cfg.Command, args...)
	l := logger.With().Str("component", "frame_grabber").Logger()
	cmd.Stderr = l

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrChildUnavailable, cfg.Command, err)
	}

	l.Info().
		Int("pid", cmd.Process.Pid).
		Str("command", cfg.Command+" "+strings.Join(args, " ")).
		Msg("Started frame grabber")

	return &ProcessTransport{
		cmd:    cmd,
		stdin:  stdin,
		writer: bufio.NewWriter(stdin),
		reader: bufio.NewReaderSize(stdout, 1<<20),
		logger: l,
	}, nil
}

func (p *ProcessTransport) Write(data string) error {
	if _, err := p.writer.WriteString(data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrChildUnavailable, err)
	}
	if err := p.writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush: %v", ErrChildUnavailable, err)
	}
	return nil
}

func (p *ProcessTransport) ReadLine() (string, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil {
		// A partial line without its terminator is as unusable as none.
		return "", fmt.Errorf("%w: read: %v", ErrChildUnavailable, err)
	}
	return strings.TrimSpace(line), nil
}

// Close kills the child. There is no graceful shutdown.
func (p *ProcessTransport) Close() error {
	var err error
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		if killErr := p.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
			err = fmt.Errorf("kill frame grabber: %w", killErr)
		}
		_ = p.cmd.Wait()
		p.logger.Info().Msg("Frame grabber terminated")
	})
	return err
}
