package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"maturion/internal/config"
	"maturion/internal/domain"
	"maturion/internal/engine"
	"maturion/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the activity ledger and posts matching records to
// each configured hook. Cursors are per hook and in-memory; a restart reseeds
// them at the ledger head, so hooks see new activity only.
type webhookDispatcher struct {
	engine    engine.Engine
	indexCode string
	webhooks  []config.Webhook
	client    *http.Client

	mu      sync.Mutex
	indexID string
	cursors map[int]int64
}

func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	code := strings.TrimSpace(e.Config.Index.Code)
	if code == "" {
		return
	}
	d := &webhookDispatcher{
		engine:    e,
		indexCode: code,
		webhooks:  e.Config.Webhooks,
		client:    &http.Client{Timeout: defaultWebhookTimeout},
		cursors:   make(map[int]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

// resolveIndex maps the configured code to an index ID. The index may be
// created after the server starts, so failure here just skips the cycle.
func (d *webhookDispatcher) resolveIndex(ctx context.Context) (string, bool) {
	d.mu.Lock()
	if d.indexID != "" {
		id := d.indexID
		d.mu.Unlock()
		return id, true
	}
	d.mu.Unlock()
	ix, err := d.engine.Repo.GetIndexByCode(ctx, d.indexCode)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			log.Printf("webhook: resolve index %s failed: %v", d.indexCode, err)
		}
		return "", false
	}
	d.mu.Lock()
	d.indexID = ix.ID
	d.mu.Unlock()
	return ix.ID, true
}

func (d *webhookDispatcher) dispatchAll() {
	ctx := context.Background()
	indexID, ok := d.resolveIndex(ctx)
	if !ok {
		return
	}
	for i, hook := range d.webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook, indexID)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.Webhook, indexID string) {
	cursor := d.cursorFor(ctx, idx, indexID)
	records, err := d.engine.Repo.ActivitiesAfter(ctx, defaultWebhookBatch, cursor, indexID)
	if err != nil {
		log.Printf("webhook: fetch activity failed: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}
	filter := newActionFilter(hook.Actions)
	for _, rec := range records {
		if !filter.match(rec.Action) {
			d.setCursor(idx, rec.ID)
			continue
		}
		if err := d.postRecord(ctx, hook, rec); err != nil {
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, rec.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int, indexID string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestActivityID(ctx, indexID)
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID            int64           `json:"id"`
	Action        string          `json:"action"`
	IndexID       string          `json:"index_id"`
	EntityKind    string          `json:"entity_kind"`
	EntityID      string          `json:"entity_id,omitempty"`
	ActorID       string          `json:"actor_id"`
	MaturityLevel *int            `json:"maturity_level,omitempty"`
	VersionNumber *int            `json:"version_number,omitempty"`
	Comment       string          `json:"comment,omitempty"`
	TS            string          `json:"ts"`
	Payload       json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postRecord(ctx context.Context, hook config.Webhook, rec domain.ActivityRecord) error {
	payload := json.RawMessage([]byte("{}"))
	if rec.Payload != "" && json.Valid([]byte(rec.Payload)) {
		payload = json.RawMessage([]byte(rec.Payload))
	}
	body := webhookEvent{
		ID:            rec.ID,
		Action:        rec.Action,
		IndexID:       rec.IndexID,
		EntityKind:    rec.EntityKind,
		EntityID:      rec.EntityID,
		ActorID:       rec.ActorID,
		MaturityLevel: rec.MaturityLevel,
		VersionNumber: rec.VersionNumber,
		Comment:       rec.Comment,
		TS:            rec.TS,
		Payload:       payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Maturion-Action", rec.Action)
	req.Header.Set("X-Maturion-Delivery", fmt.Sprintf("%d", rec.ID))
	req.Header.Set("X-Maturion-Index", d.indexCode)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Maturion-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type actionFilter struct {
	all bool
	set map[string]struct{}
}

func newActionFilter(actions []string) actionFilter {
	if len(actions) == 0 {
		return actionFilter{all: true}
	}
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		key := strings.TrimSpace(a)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return actionFilter{all: true}
	}
	return actionFilter{set: set}
}

func (f actionFilter) match(action string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[action]
	return ok
}
