package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/procedure-advisor/internal/rules"
)

func loaderFromYAML(t *testing.T, doc string) *rules.Loader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "packs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	loader, err := rules.NewLoader(path)
	require.NoError(t, err)
	return loader
}

func withLoader(o *Orchestrator, l *rules.Loader) {
	o.ruleLoader = l
}
