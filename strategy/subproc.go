package strategy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/halcyonfund/halcyon/risk"
	"github.com/halcyonfund/halcyon/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SUBPROCESS STRATEGY - process-isolated, line-delimited JSON
// ═══════════════════════════════════════════════════════════════════════════════
//
// The orchestrator swaps strategy files on disk without rebuilding the
// engine. The engine vets the source statically, launches it as a child
// process and speaks a request/response protocol over stdin/stdout, one
// JSON document per line. The child never sees credentials, the network
// or the wall clock; every request carries the authoritative now.
//
// ═══════════════════════════════════════════════════════════════════════════════

// subprocReq is one request line sent to the child.
type subprocReq struct {
	Op        string                      `json:"op"`
	Limits    *risk.Limits                `json:"limits,omitempty"`
	Symbols   []string                    `json:"symbols,omitempty"`
	Markets   map[string]types.SymbolData `json:"markets,omitempty"`
	Portfolio *types.Portfolio            `json:"portfolio,omitempty"`
	Now       *time.Time                  `json:"now,omitempty"`
	Order     *types.Order                `json:"order,omitempty"`
	Signal    *types.Signal               `json:"signal,omitempty"`
	Trade     *types.ClosedTrade          `json:"trade,omitempty"`
	State     json.RawMessage             `json:"state,omitempty"`
}

// subprocResp is one response line read back from the child.
type subprocResp struct {
	OK              bool            `json:"ok"`
	Error           string          `json:"error,omitempty"`
	Name            string          `json:"name,omitempty"`
	Version         string          `json:"version,omitempty"`
	IntervalSeconds int             `json:"interval_seconds,omitempty"`
	Signals         []types.Signal  `json:"signals,omitempty"`
	ScanRows        []ScanRow       `json:"scan_rows,omitempty"`
	State           json.RawMessage `json:"state,omitempty"`
}

// maxResponseLine bounds a single child response.
const maxResponseLine = 8 << 20

// Subprocess runs an external strategy as a child process.
type Subprocess struct {
	path string

	mu      sync.Mutex
	cmd     *exec.Cmd
	enc     *json.Encoder
	scanner *bufio.Scanner
	broken  error

	name     string
	version  string
	interval time.Duration
	rows     []ScanRow
}

// NewSubprocess vets the strategy source and prepares a child runner.
// The process itself starts on Initialize.
func NewSubprocess(path string) (*Subprocess, error) {
	src, srcPath, err := findSource(path)
	if err != nil {
		return nil, err
	}
	if src != nil {
		violations, err := VetSource(srcPath, src)
		if err != nil {
			return nil, err
		}
		if len(violations) > 0 {
			for _, v := range violations {
				log.Warn().Str("violation", v.String()).Msg("Strategy source rejected")
			}
			return nil, fmt.Errorf("strategy source %s failed purity vet: %s", srcPath, violations[0])
		}
	}
	return &Subprocess{
		path:     path,
		name:     strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		version:  "unknown",
		interval: 15 * time.Minute,
	}, nil
}

// findSource locates the Go source to vet. A .go path is its own source;
// a binary path is vetted when a sibling .go file exists.
func findSource(path string) ([]byte, string, error) {
	if strings.HasSuffix(path, ".go") {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("read strategy source: %w", err)
		}
		return src, path, nil
	}
	sibling := path + ".go"
	src, err := os.ReadFile(sibling)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("read strategy source: %w", err)
	}
	return src, sibling, nil
}

func (s *Subprocess) Name() string    { return s.name }
func (s *Subprocess) Version() string { return s.version }

func (s *Subprocess) ScanInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Initialize launches the child and completes the handshake.
func (s *Subprocess) Initialize(limits risk.Limits, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.startLocked(); err != nil {
		return err
	}

	resp, err := s.callLocked(subprocReq{Op: "init", Limits: &limits, Symbols: symbols})
	if err != nil {
		return fmt.Errorf("strategy init: %w", err)
	}
	if resp.Name != "" {
		s.name = resp.Name
	}
	if resp.Version != "" {
		s.version = resp.Version
	}
	if resp.IntervalSeconds > 0 {
		s.interval = time.Duration(resp.IntervalSeconds) * time.Second
	}
	log.Info().Str("name", s.name).Str("version", s.version).
		Str("path", s.path).Msg("🧩 Subprocess strategy initialized")
	return nil
}

func (s *Subprocess) startLocked() error {
	if s.cmd != nil {
		return nil
	}

	var cmd *exec.Cmd
	if strings.HasSuffix(s.path, ".go") {
		cmd = exec.Command("go", "run", s.path)
	} else {
		cmd = exec.Command(s.path)
	}
	// A clean environment; the child gets contract inputs only.
	cmd.Env = []string{"HOME=" + os.TempDir()}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("strategy stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("strategy stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start strategy process: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxResponseLine)

	s.cmd = cmd
	s.enc = json.NewEncoder(stdin)
	s.scanner = scanner
	s.broken = nil
	return nil
}

// callLocked sends one request and reads one response line.
func (s *Subprocess) callLocked(req subprocReq) (*subprocResp, error) {
	if s.broken != nil {
		return nil, s.broken
	}
	if s.cmd == nil {
		return nil, fmt.Errorf("strategy process not started")
	}
	if err := s.enc.Encode(req); err != nil {
		s.broken = fmt.Errorf("write to strategy process: %w", err)
		return nil, s.broken
	}
	if !s.scanner.Scan() {
		err := s.scanner.Err()
		if err == nil {
			err = fmt.Errorf("strategy process closed its pipe")
		}
		s.broken = err
		return nil, err
	}
	var resp subprocResp
	if err := json.Unmarshal(s.scanner.Bytes(), &resp); err != nil {
		s.broken = fmt.Errorf("decode strategy response: %w", err)
		return nil, s.broken
	}
	if !resp.OK {
		return nil, fmt.Errorf("strategy error: %s", resp.Error)
	}
	return &resp, nil
}

func (s *Subprocess) Analyze(markets map[string]types.SymbolData,
	portfolio types.Portfolio, now time.Time) ([]types.Signal, error) {

	s.mu.Lock()
	defer s.mu.Unlock()
	resp, err := s.callLocked(subprocReq{
		Op: "analyze", Markets: markets, Portfolio: &portfolio, Now: &now,
	})
	if err != nil {
		return nil, err
	}
	s.rows = resp.ScanRows
	return resp.Signals, nil
}

func (s *Subprocess) OnFill(order types.Order, sig types.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.callLocked(subprocReq{Op: "on_fill", Order: &order, Signal: &sig}); err != nil {
		log.Warn().Err(err).Msg("Strategy on_fill notification failed")
	}
}

func (s *Subprocess) OnPositionClosed(trade types.ClosedTrade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.callLocked(subprocReq{Op: "on_position_closed", Trade: &trade}); err != nil {
		log.Warn().Err(err).Msg("Strategy on_position_closed notification failed")
	}
}

func (s *Subprocess) State() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, err := s.callLocked(subprocReq{Op: "state"})
	if err != nil {
		return nil, err
	}
	return resp.State, nil
}

func (s *Subprocess) LoadState(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.callLocked(subprocReq{Op: "load_state", State: data})
	return err
}

// ScanRows returns the indicator rows from the last Analyze, if the
// child supplied any.
func (s *Subprocess) ScanRows() []ScanRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScanRow, len(s.rows))
	copy(out, s.rows)
	return out
}

// Close stops the child process.
func (s *Subprocess) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}
	_, _ = s.callLocked(subprocReq{Op: "shutdown"})
	_ = s.cmd.Process.Kill()
	err := s.cmd.Wait()
	s.cmd = nil
	return err
}
