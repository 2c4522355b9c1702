// Command webhook-receiver is a minimal consumer of the indexer's webhook
// output. It checks the request signature and logs every change.
package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/84hero/launch-indexer/internal/webhook"
	"github.com/84hero/launch-indexer/pkg/sink"
)

func main() {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelInfo, true)))

	addr := os.Getenv("RECEIVER_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	mux := http.NewServeMux()
	mux.Handle("/webhook", handler([]byte(os.Getenv("WEBHOOK_SECRET"))))

	log.Info("Webhook receiver listening", "addr", addr, "path", "/webhook")
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Crit("Receiver failed", "err", err)
	}
}

// handler accepts signed change batches. An empty secret accepts unsigned
// requests.
func handler(secret []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Error reading body", http.StatusInternalServerError)
			return
		}
		if len(secret) > 0 && !webhook.Verify(secret, body, r.Header.Get(webhook.SignatureHeader)) {
			log.Warn("Rejected unsigned batch", "remote", r.RemoteAddr)
			http.Error(w, "Bad signature", http.StatusUnauthorized)
			return
		}

		var p webhook.Payload
		if err := json.Unmarshal(body, &p); err != nil {
			http.Error(w, "Bad payload", http.StatusBadRequest)
			return
		}
		for _, raw := range p.Changes {
			var c sink.Change
			if err := json.Unmarshal(raw, &c); err != nil {
				log.Warn("Skipping malformed change", "err", err)
				continue
			}
			log.Info("Change received", "kind", c.Kind, "type", c.Type, "key", c.Key, "block", c.Block, "pass", c.PassID)
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}
