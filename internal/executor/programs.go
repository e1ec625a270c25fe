package executor

import (
	"github.com/sirupsen/logrus"

	"github.com/lockplane/consolidate/internal/activity"
	"github.com/lockplane/consolidate/internal/dialect"
	"github.com/lockplane/consolidate/internal/mapping"
	"github.com/lockplane/consolidate/internal/metrics"
	"github.com/lockplane/consolidate/internal/orphan"
	"github.com/lockplane/consolidate/internal/planner/multiphase"
)

// Programs returns the programs named by plans generated from doc.
// importBatch is the activity import batch size; zero selects the default.
func Programs(doc *mapping.Document, d dialect.Dialect, log *logrus.Logger, m *metrics.Metrics, importBatch int) map[string]Program {
	importer := activity.NewImporter(doc.Activity, d, activity.ImporterOptions{
		BatchSize: importBatch,
		Log:       log,
		Metrics:   m,
	})
	return map[string]Program{
		multiphase.ProgramOrphanRepair:   orphan.New(doc, d, log, m),
		multiphase.ProgramActivityImport: importer,
	}
}
