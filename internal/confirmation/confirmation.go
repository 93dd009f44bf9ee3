// Package confirmation prompts the operator before a restore overwrites
// existing databases.
package confirmation

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
)

// Request describes the restore that is about to run.
type Request struct {
	SourceID   string
	Host       string
	RemotePath string
	// Databases lists the target database names that will be overwritten.
	// Empty when the artifact has not been inspected yet.
	Databases []string
}

// Prompter reads a yes/no answer from the operator. The zero value is not
// usable; construct one with New.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// New returns a Prompter bound to stdin and stdout.
func New() *Prompter {
	return &Prompter{in: bufio.NewReader(os.Stdin), out: os.Stdout}
}

// NewWithStreams returns a Prompter bound to the given streams.
func NewWithStreams(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// Confirm displays the restore summary and waits for the operator to
// approve. It returns false without error when the operator declines or
// interrupts the prompt. autoApprove skips the prompt entirely.
func (p *Prompter) Confirm(req Request, autoApprove bool) (bool, error) {
	p.displaySummary(req)

	if autoApprove {
		fmt.Fprintln(p.out, color.GreenString("Auto-approving restore"))
		return true, nil
	}

	interruptChan := make(chan os.Signal, 1)
	signal.Notify(interruptChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interruptChan)

	inputChan := make(chan string, 1)
	errorChan := make(chan error, 1)

	go func() {
		input, err := p.readAnswer()
		if err != nil {
			errorChan <- err
			return
		}
		inputChan <- input
	}()

	select {
	case <-interruptChan:
		fmt.Fprintln(p.out, "\n"+color.YellowString("Restore cancelled"))
		return false, nil
	case err := <-errorChan:
		return false, fmt.Errorf("failed to read input: %w", err)
	case input := <-inputChan:
		return p.parseAnswer(input)
	}
}

func (p *Prompter) displaySummary(req Request) {
	fmt.Fprintln(p.out, color.New(color.Bold).Sprint("Restore summary"))
	fmt.Fprintln(p.out, strings.Repeat("-", 40))
	fmt.Fprintf(p.out, "Artifact: %s\n", req.RemotePath)
	fmt.Fprintf(p.out, "Target:   %s (%s)\n", req.SourceID, req.Host)

	if len(req.Databases) > 0 {
		fmt.Fprintln(p.out, color.RedString("The following databases will be overwritten:"))
		for _, name := range req.Databases {
			fmt.Fprintf(p.out, "  - %s\n", name)
		}
	} else {
		fmt.Fprintln(p.out, color.RedString("Databases contained in the artifact will be overwritten."))
	}
	fmt.Fprintln(p.out)
}

func (p *Prompter) readAnswer() (string, error) {
	fmt.Fprint(p.out, color.New(color.Bold).Sprint("Proceed with restore? [y/N]: "))

	input, err := p.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

func (p *Prompter) parseAnswer(input string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return true, nil
	case "n", "no", "":
		fmt.Fprintln(p.out, color.YellowString("Restore cancelled"))
		return false, nil
	default:
		fmt.Fprintf(p.out, "Invalid input %q. Enter 'y' to proceed or 'n' to cancel.\n", input)
		next, err := p.readAnswer()
		if err != nil {
			return false, err
		}
		return p.parseAnswer(next)
	}
}
