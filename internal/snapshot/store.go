package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

//go:embed schema/machine-snapshot-v1.json
var snapshotSchemaJSON string

// Store is the persistence gateway: one schema-checked JSON record on
// disk. Loss or corruption of the record degrades to defaults, never
// to a startup failure.
type Store struct {
	path   string
	schema *jsonschema.Schema
	logger *zap.Logger
}

func NewStore(path string, logger *zap.Logger) (*Store, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("machine-snapshot-v1.json",
		strings.NewReader(snapshotSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("machine-snapshot-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Store{
		path:   path,
		schema: schema,
		logger: logger,
	}, nil
}

// Load reads the snapshot record. Every failure mode (missing file,
// invalid JSON, schema violation, out-of-range field) degrades to the
// documented defaults, per field where possible.
func (st *Store) Load() Snapshot {
	data, err := os.ReadFile(st.path)
	if err != nil {
		st.logger.Warn("No snapshot to load, using defaults",
			zap.String("path", st.path),
			zap.Error(err))
		return Default()
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		st.logger.Error("Snapshot is not valid JSON, using defaults",
			zap.String("path", st.path),
			zap.Error(err))
		return Default()
	}

	if err := st.schema.Validate(doc); err != nil {
		st.logger.Warn("Snapshot failed schema validation, recovering per field",
			zap.String("path", st.path),
			zap.Error(err))
		return recoverFields(doc)
	}

	snap := Default()
	if err := json.Unmarshal(data, &snap); err != nil {
		st.logger.Error("Snapshot decode failed, using defaults", zap.Error(err))
		return Default()
	}

	snap.sanitize()

	st.logger.Info("Snapshot loaded",
		zap.String("dispense_phase", snap.DispensePhase),
		zap.String("protocol_state", snap.ProtocolState),
		zap.Int("cans_loaded", snap.CansLoaded),
		zap.Float64("eject_last", snap.EjectLast),
		zap.Int64("next_feed_time", snap.NextFeedTime))

	return snap
}

// Save writes the record atomically: temp file in the same directory,
// then rename over the old snapshot.
func (st *Store) Save(snap Snapshot) error {
	snap.Timestamp = time.Now().Unix()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(st.path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmp.Name(), st.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	st.logger.Debug("Snapshot saved", zap.String("path", st.path))
	return nil
}

// recoverFields salvages whatever typed fields exist in a document
// that failed schema validation, keeping defaults for the rest.
func recoverFields(doc interface{}) Snapshot {
	snap := Default()

	m, ok := doc.(map[string]interface{})
	if !ok {
		return snap
	}

	if v, ok := m["dispense_phase"].(string); ok {
		snap.DispensePhase = v
	}
	if v, ok := m["protocol_state"].(string); ok {
		snap.ProtocolState = v
	}
	if v, ok := m["x_position"].(float64); ok {
		snap.XPosition = v
	}
	if v, ok := m["z_position"].(float64); ok {
		snap.ZPosition = v
	}
	if v, ok := m["cans_loaded"].(float64); ok {
		snap.CansLoaded = int(v)
	}
	if v, ok := m["eject_last"].(float64); ok {
		snap.EjectLast = v
	}
	if v, ok := m["feed_gap"].(float64); ok {
		snap.FeedGapHours = v
	}
	if v, ok := m["schedule_mode"].(string); ok {
		snap.ScheduleMode = v
	}
	if v, ok := m["daily_feed_hour"].(float64); ok {
		snap.DailyFeedHour = int(v)
	}
	if v, ok := m["daily_feed_minute"].(float64); ok {
		snap.DailyFeedMinute = int(v)
	}
	if v, ok := m["next_feed_time"].(float64); ok {
		snap.NextFeedTime = int64(v)
	}

	snap.sanitize()
	return snap
}
