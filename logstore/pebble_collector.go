package logstore

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

// PebbleCollector exports compaction, memtable and WAL figures of the
// pebble storage backend.
type PebbleCollector struct {
	db      *pebble.DB
	metrics []pebbleMetric
}

func pebbleDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc("docswarm_pebble_"+name, help, nil, nil)
}

func NewPebbleCollector(db *pebble.DB) *PebbleCollector {
	counter, gauge := prometheus.CounterValue, prometheus.GaugeValue
	return &PebbleCollector{
		db: db,
		metrics: []pebbleMetric{
			{pebbleDesc("compaction_count_total", "Total number of compactions performed"), counter,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }},
			{pebbleDesc("compaction_default_count_total", "Total number of default compactions performed"), counter,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.DefaultCount) }},
			{pebbleDesc("compaction_elision_only_total", "Total number of elision-only compactions performed"), counter,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.ElisionOnlyCount) }},
			{pebbleDesc("compaction_move_total", "Total number of move compactions performed"), counter,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.MoveCount) }},
			{pebbleDesc("compaction_read_total", "Total number of read compactions performed"), counter,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.ReadCount) }},
			{pebbleDesc("compaction_rewrite_total", "Total number of rewrite compactions performed"), counter,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.RewriteCount) }},
			{pebbleDesc("compaction_multilevel_total", "Total number of multi-level compactions performed"), counter,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.MultiLevelCount) }},
			{pebbleDesc("compaction_estimated_debt_bytes", "Estimated bytes to compact to reach a stable state"), gauge,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }},
			{pebbleDesc("compaction_in_progress_bytes", "Bytes being compacted currently"), gauge,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }},
			{pebbleDesc("compaction_marked_files", "Files marked for compaction"), gauge,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.MarkedFiles) }},
			{pebbleDesc("memtable_size_bytes", "Current size of the memtable in bytes"), gauge,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }},
			{pebbleDesc("memtable_count", "Current count of memtables"), gauge,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }},
			{pebbleDesc("memtable_zombie_size_bytes", "Size of zombie memtables in bytes"), gauge,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.ZombieSize) }},
			{pebbleDesc("memtable_zombie_count", "Count of zombie memtables"), gauge,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.ZombieCount) }},
			{pebbleDesc("wal_files", "Number of live WAL files"), gauge,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }},
			{pebbleDesc("wal_obsolete_files", "Number of obsolete WAL files"), gauge,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.ObsoleteFiles) }},
			{pebbleDesc("wal_size_bytes", "Size of live WAL data in bytes"), gauge,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }},
			{pebbleDesc("wal_bytes_in_total", "Logical bytes written to the WAL"), counter,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesIn) }},
			{pebbleDesc("wal_bytes_written_total", "Physical bytes written to the WAL"), counter,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }},
			{pebbleDesc("disk_usage_bytes", "Disk space used by the store"), gauge,
				func(m *pebble.Metrics) float64 { return float64(m.DiskSpaceUsage()) }},
		},
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range pc.metrics {
		ch <- m.desc
	}
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	stats := pc.db.Metrics()
	for _, m := range pc.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(stats))
	}
}
