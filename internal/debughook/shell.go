package debughook

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Shell is the default bp_callback implementation: a line-oriented
// REPL over a Target, in the shape of smoynes-elsie's internal/tty
// console (term.NewTerminal(console.in, prompt)). It is the reference
// implementation the domain-stack wiring calls for; a real gdb remote
// stub (out of scope per spec §1) would implement its own shell
// function against the same Target contract.
type Shell struct {
	term *term.Terminal
	out  io.Writer
}

// NewShell wraps rw (typically a pseudo-terminal or the process's own
// stdio) in a term.Terminal REPL.
func NewShell(rw io.ReadWriter, prompt string) *Shell {
	t := term.NewTerminal(rw, prompt)
	return &Shell{term: t, out: t}
}

// Run is passed to Hook.Attach; it reads commands until "continue",
// "step" or EOF, then returns so the guest resumes.
func (s *Shell) Run(t Target) error {
	for {
		line, err := s.term.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		done, err := s.dispatch(t, fields)
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
			continue
		}
		if done {
			return nil
		}
	}
}

func (s *Shell) dispatch(t Target, fields []string) (done bool, err error) {
	switch fields[0] {
	case "continue", "c":
		return true, t.Continue()
	case "step", "s":
		return true, t.StepOne()
	case "regs", "r":
		snap := t.ReadRegisters()
		fmt.Fprintf(s.out, "rip=0x%x rsp=0x%x rax=0x%x\n", snap.RIP, snap.RSP, snap.RAX)
		return false, nil
	case "break", "b":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: break <guest-addr-hex>")
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
		if err != nil {
			return false, err
		}
		return false, t.InsertBreakpoint(addr)
	case "mem", "m":
		if len(fields) != 3 {
			return false, fmt.Errorf("usage: mem <guest-addr-hex> <length>")
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
		if err != nil {
			return false, err
		}
		length, err := strconv.Atoi(fields[2])
		if err != nil {
			return false, err
		}
		data, err := t.ReadMemory(addr, length)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "% x\n", data)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
}
