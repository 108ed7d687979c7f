package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// fifoPair holds the stdout and stderr FIFOs of one command.
// Read ends are non-blocking so closing them interrupts a pending read.
type fifoPair struct {
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File

	writersOnce sync.Once
	readersOnce sync.Once
}

func openFifoPair(dir string) (*fifoPair, error) {
	p := &fifoPair{}
	var err error
	if p.stdoutR, p.stdoutW, err = openFifo(filepath.Join(dir, "stdout")); err != nil {
		return nil, err
	}
	if p.stderrR, p.stderrW, err = openFifo(filepath.Join(dir, "stderr")); err != nil {
		p.closeWriters()
		p.closeReaders()
		return nil, err
	}
	return p, nil
}

// openFifo opens the read end first so the blocking write open returns immediately.
func openFifo(path string) (*os.File, *os.File, error) {
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return nil, nil, fmt.Errorf("mkfifo %s: %w", path, err)
	}
	rfd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open fifo %s for read: %w", path, err)
	}
	wfd, err := unix.Open(path, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		_ = unix.Close(rfd)
		return nil, nil, fmt.Errorf("open fifo %s for write: %w", path, err)
	}
	return os.NewFile(uintptr(rfd), path), os.NewFile(uintptr(wfd), path), nil
}

// closeWriters drops the executor's copies of the write ends; readers see EOF once the command's copies close too.
func (p *fifoPair) closeWriters() {
	p.writersOnce.Do(func() {
		closeFile(p.stdoutW)
		closeFile(p.stderrW)
	})
}

func (p *fifoPair) closeReaders() {
	p.readersOnce.Do(func() {
		closeFile(p.stdoutR)
		closeFile(p.stderrR)
	})
}

func closeFile(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
