package replay

const (
	// EngineVersion is the current version of the replay engine
	EngineVersion = "v1.0.0"

	// CheckpointSchemaVersion is the current version of the checkpoint payload schema
	// Increment this when the checkpoint format changes in a backward-incompatible way
	CheckpointSchemaVersion = 1
)
