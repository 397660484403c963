package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxOperations = "driftline_operations"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index.
// Returns a client even if the initial connection fails; the health
// loop reconfigures when Meilisearch comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxOperations,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxOperations, err)
	}

	index := m.client.Index(idxOperations)
	filterable := []interface{}{"organizationId", "status", "entityType", "intent"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxOperations, err)
	}
	searchable := []string{"idempotencyKey", "entityId", "errorMessage", "errorCode"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxOperations, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the operations index. Results always stay inside the
// caller's organization.
func (m *Meili) Search(q Query) ([]OperationRecord, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	filters := []string{fmt.Sprintf("organizationId = %q", q.OrgID)}
	if q.FilterStatus != "" {
		filters = append(filters, fmt.Sprintf("status = %q", q.FilterStatus))
	}
	if q.FilterType != "" {
		filters = append(filters, fmt.Sprintf("entityType = %q", q.FilterType))
	}

	resp, err := m.client.Index(idxOperations).Search(q.Text, &meili.SearchRequest{
		Limit:  limit,
		Offset: int64(q.Offset),
		Filter: filters,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]OperationRecord, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToRecord(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToRecord(hit meili.Hit) OperationRecord {
	return OperationRecord{
		ID:             decodeString(hit, "id"),
		OrganizationID: decodeString(hit, "organizationId"),
		IdempotencyKey: decodeString(hit, "idempotencyKey"),
		EntityType:     decodeString(hit, "entityType"),
		EntityID:       decodeString(hit, "entityId"),
		Intent:         decodeString(hit, "intent"),
		Status:         decodeString(hit, "status"),
		ErrorCode:      decodeString(hit, "errorCode"),
		ErrorMessage:   decodeString(hit, "errorMessage"),
		MemberID:       decodeString(hit, "memberId"),
		DeviceID:       decodeString(hit, "deviceId"),
		ServerUnixUS:   decodeInt(hit, "serverUnixUs"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt(hit meili.Hit, key string) int64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func opDocID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// IndexOperation adds or updates one operation in the search index.
func (m *Meili) IndexOperation(rec OperationRecord) error {
	_, err := m.client.Index(idxOperations).AddDocuments([]OperationRecord{rec}, nil)
	return err
}

// IndexOperations bulk-indexes operation records.
func (m *Meili) IndexOperations(records []OperationRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxOperations).AddDocuments(records, nil)
	return err
}

// DeleteOperations removes operation records, used when the retention
// sweeper drops the underlying audit rows.
func (m *Meili) DeleteOperations(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := m.client.Index(idxOperations).DeleteDocuments(ids, nil)
	return err
}
