package chrome

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func interruptGroup(p *os.Process) error {
	return p.Signal(os.Interrupt)
}

func killGroup(p *os.Process) error {
	return p.Kill()
}
