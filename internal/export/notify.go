package export

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type NotifyConfig struct {
	URLTemplate string // must contain %d for the resolver id
	Method      string
	Timeout     time.Duration
	Rate        float64 // requests per second
	QueueSize   int
}

// Notifier tells resolvers that a fresh cache is published. Requests are
// sent from Run in enqueue order at a bounded rate; failures are logged.
type Notifier struct {
	template string
	method   string
	client   *http.Client
	limiter  *rate.Limiter
	queue    chan int
}

func NewNotifier(cfg NotifyConfig) (*Notifier, error) {
	if !strings.Contains(cfg.URLTemplate, "%d") {
		return nil, fmt.Errorf("notify url template %q must contain %%d", cfg.URLTemplate)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	burst := int(cfg.Rate)
	if burst < 1 {
		burst = 1
	}
	return &Notifier{
		template: cfg.URLTemplate,
		method:   cfg.Method,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), burst),
		queue:    make(chan int, cfg.QueueSize),
	}, nil
}

// Notify enqueues resolverID without blocking. It reports false when the
// queue is full and the notification was dropped.
func (n *Notifier) Notify(resolverID int) bool {
	select {
	case n.queue <- resolverID:
		return true
	default:
		log.Printf("export: notify queue full, dropping resolver #%d", resolverID)
		return false
	}
}

// Run sends queued notifications until ctx stops.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-n.queue:
			if err := n.limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
			if err := n.send(ctx, id); err != nil {
				log.Printf("export: notify resolver #%d failed: %v", id, err)
			}
		}
	}
}

func (n *Notifier) send(ctx context.Context, resolverID int) error {
	url := fmt.Sprintf(n.template, resolverID)
	req, err := http.NewRequestWithContext(ctx, n.method, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return nil
}
