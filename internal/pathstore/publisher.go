package pathstore

import (
	"context"
	"time"
)

// Publisher mirrors analysis records to pathstore, keyed by session and
// document: <prefix>/sessions/<session>/documents/<document>. Comparisons
// go under <prefix>/sessions/<session>/comparisons/<comparison>.
type Publisher struct {
	client *Client
	ttl    time.Duration
}

// NewPublisher wraps client. A positive ttl sets an expiry on every record.
func NewPublisher(client *Client, ttl time.Duration) *Publisher {
	return &Publisher{client: client, ttl: ttl}
}

func (p *Publisher) documentKey(sessionID, documentID string) string {
	return p.client.Key("sessions", sessionID, "documents", documentID)
}

// PublishAnalysis stores record for one document, replacing any earlier one.
func (p *Publisher) PublishAnalysis(ctx context.Context, sessionID, documentID string, record any) error {
	return p.client.PutNode(ctx, p.documentKey(sessionID, documentID), p.request(record))
}

// PublishComparison stores a comparison report.
func (p *Publisher) PublishComparison(ctx context.Context, sessionID, comparisonID string, record any) error {
	return p.client.PutNode(ctx, p.client.Key("sessions", sessionID, "comparisons", comparisonID), p.request(record))
}

func (p *Publisher) request(record any) NodeRequest {
	req := NodeRequest{Value: record, MergeMode: "replace", Source: "docanalyst"}
	if p.ttl > 0 {
		req.ExpiresAt = time.Now().Add(p.ttl).UTC().Format(time.RFC3339)
	}
	return req
}

// Analysis fetches a published record.
func (p *Publisher) Analysis(ctx context.Context, sessionID, documentID string) (*NodeResponse, error) {
	return p.client.GetNode(ctx, p.documentKey(sessionID, documentID))
}

// DeleteSession removes every record published for a session.
func (p *Publisher) DeleteSession(ctx context.Context, sessionID string) error {
	return p.client.DeleteNode(ctx, p.client.Key("sessions", sessionID), true)
}
