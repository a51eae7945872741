package engines

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"sync"
)

// lineProcess wraps a subprocess and merges its stdout and stderr into a
// single channel of lines. The channel closes when both pipes hit EOF.
type lineProcess struct {
	cmd      *exec.Cmd
	lines    chan string
	wg       sync.WaitGroup
	waitOnce sync.Once
	waitErr  error
}

func startLineProcess(cmd *exec.Cmd) (*lineProcess, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &lineProcess{
		cmd:   cmd,
		lines: make(chan string, 256),
	}
	p.wg.Add(2)
	go p.scan(stdout)
	go p.scan(stderr)
	go func() {
		p.wg.Wait()
		close(p.lines)
	}()

	return p, nil
}

func (p *lineProcess) scan(r io.Reader) {
	defer p.wg.Done()
	scanner := bufio.NewScanner(r)
	// Trainer progress bars can emit very long lines
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.lines <- scanner.Text()
	}
}

func (p *lineProcess) Lines() <-chan string {
	return p.lines
}

func (p *lineProcess) Interrupt() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(os.Interrupt)
}

func (p *lineProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *lineProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}
