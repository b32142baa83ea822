package commands

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/opd-ai/peerpost"
	"github.com/opd-ai/peerpost/delivery"
	"github.com/opd-ai/peerpost/metrics"
	"github.com/opd-ai/peerpost/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultConversation = "default"

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a node, exchanging signaling and messages as lines on stdin/stdout",
		Long: `Run a node until interrupted or until stdin closes.

Input lines:
  signal <peer> <base64>   apply an offer or answer from a peer
  connect <peer>           start connecting to a peer
  send <peer> <text>       queue a message
  peers                    print peer connection states
  stats                    print queue counts

Output lines:
  signal <peer> <base64>   an offer or answer to hand to the peer
  queued <id>              a send was accepted
  message <peer> <conversation> <id> <quoted text>
  result <id> <status> [error]
  undecryptable <peer> <id>
  state <peer> <state>
  error <text>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func (a *app) serve(ctx context.Context, in io.Reader, out io.Writer) error {
	closeLog, err := a.cfg.Logging.Apply()
	if err != nil {
		return err
	}
	defer closeLog()

	opts, err := peerpost.OptionsFromConfig(a.cfg)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts.Registerer = reg

	s := newSession(out)
	opts.Connection.OnLocalSignal = s.localSignal
	node, err := peerpost.New(opts)
	if err != nil {
		opts.Release()
		return err
	}
	defer node.Close()
	s.attach(node)

	if addr := a.cfg.Metrics.Address; addr != "" {
		srv := serveMetrics(addr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if err := node.Start(); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function": "serve",
		"package":  "commands",
		"self_id":  node.ID(),
	}).Info("Node running")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.run(ctx, in)
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"package":  "commands",
				"addr":     addr,
				"error":    err.Error(),
			}).Error("Metrics endpoint failed")
		}
	}()
	return srv
}

// session speaks the line protocol for one node. Output lines from
// different goroutines are never interleaved.
type session struct {
	node *peerpost.Node

	mu  sync.Mutex
	out io.Writer
}

func newSession(out io.Writer) *session {
	return &session{out: out}
}

func (s *session) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

func (s *session) localSignal(peerID string, payload []byte) {
	s.printf("signal %s %s", peerID, base64.StdEncoding.EncodeToString(payload))
}

func (s *session) attach(node *peerpost.Node) {
	s.node = node
	node.OnIncomingMessage(func(m delivery.IncomingMessage) {
		s.printf("message %s %s %s %q", m.SenderID, m.ConversationID, m.MessageID, m.Plaintext)
	})
	node.OnDeliveryResult(func(r delivery.DeliveryResult) {
		if r.Err != nil {
			s.printf("result %s %s %s", r.MessageID, r.Status, r.Err)
			return
		}
		s.printf("result %s %s", r.MessageID, r.Status)
	})
	node.OnDecryptionError(func(f delivery.DecryptionFailure) {
		s.printf("undecryptable %s %s", f.SenderID, f.MessageID)
	})
	node.OnConnectionState(func(c transport.StateChange) {
		s.printf("state %s %s", c.PeerID, c.New)
	})
}

// run reads commands until ctx ends or in is exhausted.
func (s *session) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			if err := s.handle(ctx, line); err != nil {
				s.printf("error %v", err)
			}
		}
	}
}

func (s *session) handle(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "signal":
		if len(fields) != 3 {
			return errors.New("usage: signal <peer> <base64>")
		}
		payload, err := base64.StdEncoding.DecodeString(fields[2])
		if err != nil {
			return fmt.Errorf("signal: %w", err)
		}
		return s.node.AcceptRemoteSignal(fields[1], payload)
	case "connect":
		if len(fields) != 2 {
			return errors.New("usage: connect <peer>")
		}
		return s.node.Connect(fields[1])
	case "send":
		if len(fields) < 3 {
			return errors.New("usage: send <peer> <text>")
		}
		_, rest, _ := strings.Cut(strings.TrimSpace(line), fields[1])
		id, err := s.node.Send(ctx, defaultConversation, fields[1], []byte(strings.TrimSpace(rest)))
		if err != nil {
			return err
		}
		s.printf("queued %s", id)
		return nil
	case "peers":
		peers := s.node.Peers()
		ids := make([]string, 0, len(peers))
		for id := range peers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			s.printf("peer %s %s", id, peers[id])
		}
		return nil
	case "stats":
		st := s.node.Stats()
		s.printf("stats pending=%d in_flight=%d delivered=%d failed=%d",
			st.Pending, st.InFlight, st.Delivered, st.FailedPermanent)
		return nil
	}
	return fmt.Errorf("unknown command %q", fields[0])
}
