package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
)

const quietLogSize = 64 << 10

var (
	listenArchive     string
	listenNoArchive   bool
	listenMetricsAddr string
	listenQuiet       bool
)

func init() {
	listenCmd.Flags().StringVar(&listenArchive, "archive", "", "Archive directory (default ~/.chatsync/archive)")
	listenCmd.Flags().BoolVar(&listenNoArchive, "no-archive", false, "Do not record messages in the local archive")
	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	listenCmd.Flags().BoolVarP(&listenQuiet, "quiet", "q", false, "Keep log output in memory and print it only if the channel is lost")
	rootCmd.AddCommand(listenCmd)
}

// printer writes new messages as conversations update. It remembers how many
// messages of each conversation it has shown.
type printer struct {
	mu    sync.Mutex
	shown map[string]int
}

func (p *printer) update(c chatsync.Conversation) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n, seen := p.shown[c.PeerKey]
	p.shown[c.PeerKey] = len(c.Messages)
	if !seen {
		fmt.Printf("%s: %d messages\n", c.PeerKey, len(c.Messages))
		return
	}
	if len(c.Messages) <= n {
		return
	}
	fmt.Printf("%s\n", c.PeerKey)
	for _, m := range c.Messages[n:] {
		printMessage(m)
	}
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Follow the live channel and print incoming messages",
	Long: "Open the live channel, load history and print messages as they arrive.\n" +
		"Messages are recorded in the local archive unless --no-archive is set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		var logBuf *chatsync.LogBuffer
		if listenQuiet {
			var err error
			if logBuf, err = chatsync.LogToBuffer(jww.LevelInfo, quietLogSize); err != nil {
				return err
			}
			defer logBuf.Stop()
			jww.SetStdoutThreshold(jww.LevelCritical)
		}

		sc := &chatsync.SessionConfig{}
		archive, err := openArchive(listenArchive, listenNoArchive)
		if err != nil {
			return fmt.Errorf("cannot open archive: %w", err)
		}
		if archive != nil {
			defer archive.Close()
			sc.Archive = archive
		}

		if listenMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics, err := chatsync.NewMetrics(reg)
			if err != nil {
				return fmt.Errorf("cannot register metrics: %w", err)
			}
			sc.Metrics = metrics

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: listenMetricsAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					jww.ERROR.Printf("[CLI] Metrics server: %v", err)
				}
			}()
			defer srv.Close()
			fmt.Printf("Metrics on http://%s/metrics\n", listenMetricsAddr)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		session := chatsync.NewSession(client, sc)
		defer session.Close()

		p := &printer{shown: make(map[string]int)}
		lost := make(chan struct{}, 1)
		session.OnConversationUpdated(func(peer string) {
			c, ok, err := session.Conversation(ctx, peer)
			if err != nil || !ok {
				return
			}
			p.update(c)
		})
		session.OnStateChange(func(st chatsync.ConnState) {
			fmt.Printf("-- %s\n", st)
			if st == chatsync.StateDisconnected {
				select {
				case lost <- struct{}{}:
				default:
				}
			}
		})
		session.OnWarning(func(err error) {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		})

		if err := session.Start(cfg.Auth.Token, cfg.Auth.UserID); err != nil {
			return err
		}
		fmt.Printf("Listening as %s. Press Ctrl-C to stop.\n", valueOrDefault(cfg.Auth.Username, cfg.Auth.UserID))

		for {
			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case <-lost:
				// Disconnected is only reported once the reconnect budget is spent.
				if logBuf != nil {
					os.Stderr.Write(logBuf.Bytes())
				}
				return fmt.Errorf("live channel lost")
			}
		}
	},
}
