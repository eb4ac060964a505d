package store

import (
	"context"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Lineage is a best-effort audit graph mirroring signal/topic/task/fix
// relationships for traceability queries. It is never read on the
// pipeline's correctness path (the real ownership is the id references
// in KV); a write failure here is logged and ignored by callers, never
// propagated as a pipeline error.
type Lineage struct {
	driver neo4j.DriverWithContext
}

// NewLineage wraps an existing Neo4j driver.
func NewLineage(driver neo4j.DriverWithContext) *Lineage {
	return &Lineage{driver: driver}
}

// Close releases the underlying driver.
func (l *Lineage) Close(ctx context.Context) error {
	return l.driver.Close(ctx)
}

// LinkSignalToTopic records that a signal was attached to (or created) a
// topic.
func (l *Lineage) LinkSignalToTopic(ctx context.Context, signalHash, topicID string) error {
	sess := l.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MERGE (s:Signal {hash: $hash})
	           MERGE (t:Topic {id: $topic_id})
	           MERGE (s)-[:ATTACHED_TO]->(t)`
	_, err := sess.Run(ctx, cypher, map[string]any{"hash": signalHash, "topic_id": topicID})
	return err
}

// LinkTopicToTask records that a topic was classified into a task.
func (l *Lineage) LinkTopicToTask(ctx context.Context, topicID, taskID string) error {
	sess := l.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MERGE (t:Topic {id: $topic_id})
	           MERGE (k:Task {id: $task_id})
	           MERGE (t)-[:CLASSIFIED_INTO]->(k)`
	_, err := sess.Run(ctx, cypher, map[string]any{"topic_id": topicID, "task_id": taskID})
	return err
}

// LinkTaskToFix records that a task produced a successful fix.
func (l *Lineage) LinkTaskToFix(ctx context.Context, taskID string) error {
	sess := l.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MERGE (k:Task {id: $task_id})
	           MERGE (f:SuccessfulFix {task_id: $task_id})
	           MERGE (k)-[:PRODUCED]->(f)`
	_, err := sess.Run(ctx, cypher, map[string]any{"task_id": taskID})
	return err
}

// LinkTaskToRule records that a rule was extracted from review feedback
// on a task.
func (l *Lineage) LinkTaskToRule(ctx context.Context, taskID, ruleID string) error {
	sess := l.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MERGE (k:Task {id: $task_id})
	           MERGE (r:Rule {id: $rule_id})
	           MERGE (k)-[:EXTRACTED]->(r)`
	_, err := sess.Run(ctx, cypher, map[string]any{"task_id": taskID, "rule_id": ruleID})
	return err
}

// LineageNode is one hop in a GET /topics/{id}/lineage response.
type LineageNode struct {
	Label string `json:"label"`
	ID    string `json:"id"`
}

// Trace returns every node reachable from a topic within the given
// traversal depth: Signal/Task/SuccessfulFix/Rule nodes descending from
// it. Used only by the audit endpoint; never by pipeline logic.
func (l *Lineage) Trace(ctx context.Context, topicID string, depth int) ([]LineageNode, error) {
	if depth <= 0 {
		depth = 3
	}
	sess := l.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := `MATCH (t:Topic {id: $id})-[*1..` + depthLiteral(depth) + `]-(n)
	           RETURN DISTINCT labels(n) AS labels, n.id AS id, n.hash AS hash, n.task_id AS task_id`
	result, err := sess.Run(ctx, cypher, map[string]any{"id": topicID})
	if err != nil {
		return nil, err
	}

	var nodes []LineageNode
	for result.Next(ctx) {
		rec := result.Record()
		labels, _ := rec.Get("labels")
		labelList, _ := labels.([]any)
		label := ""
		if len(labelList) > 0 {
			label, _ = labelList[0].(string)
		}
		id := firstNonEmpty(rec, "id", "hash", "task_id")
		nodes = append(nodes, LineageNode{Label: label, ID: id})
	}
	return nodes, nil
}

func firstNonEmpty(rec *neo4j.Record, keys ...string) string {
	for _, k := range keys {
		if v, ok := rec.Get(k); ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// depthLiteral renders a small positive int for Cypher variable-length
// path interpolation; depth is always operator-controlled, never user
// input, so this avoids pulling in a templating dependency for one digit.
func depthLiteral(depth int) string {
	if depth <= 0 {
		depth = 1
	}
	if depth > 9 {
		depth = 9
	}
	return string(rune('0' + depth))
}

// SwallowError logs and discards a non-critical-path error (a lineage
// write or an event-fan-out publish) so the caller's pipeline operation
// never fails because of it.
func SwallowError(logger *slog.Logger, op string, err error) {
	if err == nil {
		return
	}
	logger.Warn("non-critical write failed", "op", op, "error", err)
}
