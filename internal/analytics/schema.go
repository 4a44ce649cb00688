package analytics

// labelEventsDDL creates the append-only label history table.
//
// ReplacingMergeTree collapses rows with an identical sorting key, which
// includes write_id and recorded_at. A retried append of the same event
// therefore leaves one row after merges, and FINAL hides duplicates before
// the merge runs. Distinct writes to one label always differ in write_id and
// are all kept.
//
// Partitions are buckets of project_id. Every event of a label shares one
// partition, so deduplication still sees all of them, and dropping or
// scanning one project touches a single bucket.
const labelEventsDDL = `
CREATE TABLE IF NOT EXISTS label_events (
    write_id      UUID,
    project_id    UUID,
    class_id      UUID,
    label_id      UUID,
    label_name    String,
    label_source  LowCardinality(String),
    value_key     String,
    value         Float64,
    span_id       UUID,
    recorded_at   DateTime64(6, 'UTC')
)
ENGINE = ReplacingMergeTree
PARTITION BY cityHash64(project_id) % 16
ORDER BY (project_id, label_id, recorded_at, write_id)`

const insertLabelEventsSQL = `INSERT INTO label_events
    (write_id, project_id, class_id, label_id, label_name, label_source, value_key, value, span_id, recorded_at)`

const selectLabelHistorySQL = `
SELECT write_id, project_id, class_id, label_id, label_name, label_source, value_key, value, span_id, recorded_at
FROM label_events FINAL
WHERE project_id = ? AND label_id = ?
ORDER BY recorded_at, write_id`
