package model

// ArchiveSnapshot is the persisted form of an archive.
type ArchiveSnapshot struct {
	Kind    string       `json:"kind"`
	MaxSize int          `json:"max_size,omitempty"`
	Items   []Individual `json:"items"`
}

// Checkpoint is a resumable snapshot of one island, keyed by rank.
type Checkpoint struct {
	VersionedRecord
	RunID             string          `json:"run_id"`
	Rank              int             `json:"rank"`
	GroupSize         int             `json:"group_size"`
	Generation        int             `json:"generation"`
	MigrationCounter  int             `json:"migration_counter"`
	CheckpointCounter int             `json:"checkpoint_counter"`
	MigrationRound    int             `json:"migration_round"`
	Population        []Individual    `json:"population"`
	Archive           ArchiveSnapshot `json:"archive"`
	RNGState          []byte          `json:"rng_state"`
}

// MigrationBatch carries the emigrants one island sends to its ring
// successor in a single round.
type MigrationBatch struct {
	Source      int          `json:"source"`
	Round       int          `json:"round"`
	Individuals []Individual `json:"individuals"`
}

// ArchiveBatch carries a rank's archive contents to the coordinator.
type ArchiveBatch struct {
	Source int          `json:"source"`
	Items  []Individual `json:"items"`
}
