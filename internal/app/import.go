package app

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gmsas95/medx/internal/medication"
)

// importFile is the YAML layout accepted by `medx import`. A bare list of
// medications is accepted too.
type importFile struct {
	Medications []medication.Record `yaml:"medications"`
}

// ParseImport decodes medication records from YAML.
func ParseImport(data []byte) ([]medication.Record, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '-' {
		var list []medication.Record
		if err := yaml.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("decode medication list: %w", err)
		}
		return list, nil
	}

	var f importFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode medications: %w", err)
	}
	return f.Medications, nil
}

// ImportMedications validates and stores records for the user. Invalid records
// are skipped and returned; valid ones are created in input order. Records
// without a start date start today.
func (app *App) ImportMedications(ctx context.Context, userID string, records []medication.Record) (int, []medication.Rejected, error) {
	if _, err := app.Store.EnsureUser(ctx, userID, ""); err != nil {
		return 0, nil, err
	}

	var rejected []medication.Rejected
	imported := 0
	now := time.Now()
	for _, r := range records {
		r = r.WithDefaultStart(now, app.Location)
		if _, err := medication.ParseIn(r, app.Location); err != nil {
			rejected = append(rejected, medication.Rejected{Record: r, Err: err})
			continue
		}
		r.ID = ""
		if _, err := app.Store.CreateMedication(ctx, userID, r); err != nil {
			return imported, rejected, err
		}
		imported++
	}

	app.Logger.Info("Medications imported",
		zap.String("user_id", userID),
		zap.Int("imported", imported),
		zap.Int("rejected", len(rejected)),
	)

	app.Manager.Reconcile(ctx, userID)
	return imported, rejected, nil
}
