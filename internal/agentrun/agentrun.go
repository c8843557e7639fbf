// Package agentrun implements the two agent spawn strategies (C5): a
// stdin-prompt runner that writes the prompt and closes stdin, and a
// control-protocol peer that speaks a JSON-lines initialize/set-permission-
// mode/send-user-message handshake over the child's stdio. Both acquire the
// child under its own process group so the whole tree can be killed
// atomically, and both tee output into an internal/msgstore.Store.
//
// Grounded on the teacher's invokeAgent (internal/engine/engine.go): a PTY
// is opened so the child treats its output as a terminal (line-buffered,
// real-time tailable), stdin stays a plain pipe so prompt delivery gets a
// clean EOF, and io.Copy from the PTY master tolerates the EIO a PTY always
// raises once its slave-side child has exited.
package agentrun

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/foreman-run/foreman/internal/agentprofile"
	"github.com/foreman-run/foreman/internal/msgstore"
)

// Handle is returned by both spawn strategies: the running child, an
// optional interrupt sender (present only for the control-protocol peer),
// and a Wait that blocks for completion and returns the child's exit code.
type Handle struct {
	cmd       *exec.Cmd
	Interrupt chan<- struct{}
	waitOnce  sync.Once
	waitErr   error
	exitCode  int
}

// Wait blocks until the child exits and returns its exit code. Safe to call
// more than once; only the first call actually waits.
func (h *Handle) Wait() (int, error) {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
		if h.waitErr == nil {
			h.exitCode = 0
			return
		}
		var exitErr *exec.ExitError
		if errors.As(h.waitErr, &exitErr) {
			h.exitCode = exitErr.ExitCode()
			h.waitErr = nil
			return
		}
	})
	return h.exitCode, h.waitErr
}

// Kill terminates the entire process group so no grandchild survives the
// parent's death, mirroring the teacher's pty-based child management where
// the agent and anything it spawns must die together on interrupt.
func (h *Handle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
}

func startInGroup(cmd *exec.Cmd) error {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd.Start()
}

// RunStdinPrompt implements the stdin-prompt runner (spec §4.3.1): write
// the full prompt to the child's stdin, flush, close stdin (EOF), and tee
// stdout/stderr into store until the child exits.
func RunStdinPrompt(cmd agentprofile.Command, workingDir, prompt string, store *msgstore.Store) (*Handle, error) {
	c := exec.Command(cmd.Executable, cmd.Args...)
	c.Dir = workingDir
	for k, v := range cmd.Env {
		c.Env = append(c.Env, fmt.Sprintf("%s=%s", k, v))
	}

	ptmx, pts, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("opening pty: %w", err)
	}

	c.Stdin = strings.NewReader(prompt)
	c.Stdout = pts
	c.Stderr = pts

	if err := startInGroup(c); err != nil {
		pts.Close()
		ptmx.Close()
		return nil, fmt.Errorf("starting agent: %w", err)
	}
	pts.Close()

	go teePTYToStore(ptmx, store, msgstore.KindStdout)

	return &Handle{cmd: c}, nil
}

// teePTYToStore copies PTY output into store as Kind-tagged messages,
// line-buffered, until the PTY closes. An EIO at EOF (the PTY always raises
// this once the slave side's last process exits) is swallowed, exactly as
// the teacher's invokeAgent tolerates it.
func teePTYToStore(ptmx *os.File, store *msgstore.Store, kind msgstore.Kind) {
	defer ptmx.Close()
	scanner := bufio.NewScanner(ptmx)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		msg := msgstore.Msg{Kind: kind, Content: scanner.Text()}
		_ = store.Push(msg)
	}
	// scanner.Err() is deliberately not consulted: io.EOF ends the scan
	// cleanly, and the PTY's terminal syscall.EIO likewise just ends the loop.
}

// Peer is the control-protocol peer (spec §4.3.2): a bidirectional
// JSON-lines session over the child's stdin/stdout performing, in order,
// initialize(hooks), set_permission_mode(mode), send_user_message(prompt).
type Peer struct {
	enc *json.Encoder
	dec *json.Decoder
}

// frame is one control-protocol JSON-lines message. The real protocol's
// message shapes are an external collaborator (the coding agent's own
// wire format); the peer only needs to round-trip whatever method/params
// it sends and whatever it reads back, so frame stays generic.
type frame struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func newPeer(w io.Writer, r io.Reader) *Peer {
	return &Peer{enc: json.NewEncoder(w), dec: json.NewDecoder(r)}
}

func (p *Peer) send(method string, params interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return p.enc.Encode(frame{Method: method, Params: raw})
}

func (p *Peer) initialize(hooks interface{}) error {
	return p.send("initialize", hooks)
}

func (p *Peer) setPermissionMode(mode string) error {
	return p.send("set_permission_mode", map[string]string{"mode": mode})
}

func (p *Peer) sendUserMessage(prompt string) error {
	return p.send("send_user_message", map[string]string{"prompt": prompt})
}

// RunControlProtocolPeer implements the control-protocol runner (spec
// §4.3.2). It spawns the child, wires a stdout-duplication writer that
// mirrors raw stdout into store while a background goroutine drives the
// peer handshake, and hands back a one-shot interrupt channel: closing (or
// sending on) it requests graceful cancellation, dropping it (never
// closing) makes the peer ignore interrupts, matching the Rust
// oneshot-channel semantics.
//
// Each handshake step logs its own failure per spec: initialize failing
// terminates the peer and emits a raw error log; set_permission_mode
// failing is a warning (peer continues); send_user_message failing emits a
// raw error log.
func RunControlProtocolPeer(cmd agentprofile.Command, workingDir string, hooks interface{}, permissionMode, prompt string, store *msgstore.Store) (*Handle, error) {
	c := exec.Command(cmd.Executable, cmd.Args...)
	c.Dir = workingDir
	for k, v := range cmd.Env {
		c.Env = append(c.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("wiring stdin: %w", err)
	}
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("wiring stdout: %w", err)
	}
	c.Stderr = nil

	if err := startInGroup(c); err != nil {
		return nil, fmt.Errorf("starting agent: %w", err)
	}

	// Mirror every stdout line into the MsgStore so raw-log persistence
	// and the normaliser see it, while the peer itself consumes stdout
	// for protocol frames via a TeeReader.
	pr, pw := io.Pipe()
	tee := io.TeeReader(stdout, pw)
	go func() {
		defer pw.Close()
		scanner := bufio.NewScanner(tee)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			_ = store.Push(msgstore.Msg{Kind: msgstore.KindStdout, Content: scanner.Text()})
		}
	}()

	peer := newPeer(stdin, pr)
	interrupt := make(chan struct{}, 1)

	go func() {
		if err := peer.initialize(hooks); err != nil {
			_ = store.Push(msgstore.Msg{Kind: msgstore.KindStderr, Content: fmt.Sprintf("Error: Failed to initialize - %v", err)})
			return
		}
		if err := peer.setPermissionMode(permissionMode); err != nil {
			_ = store.Push(msgstore.Msg{Kind: msgstore.KindStderr, Content: fmt.Sprintf("Warning: Failed to set permission mode to %s: %v", permissionMode, err)})
		}
		if err := peer.sendUserMessage(prompt); err != nil {
			_ = store.Push(msgstore.Msg{Kind: msgstore.KindStderr, Content: fmt.Sprintf("Error: Failed to send prompt - %v", err)})
			return
		}
		<-interrupt
		_ = stdin.Close()
	}()

	return &Handle{cmd: c, Interrupt: interrupt}, nil
}
