package observability

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func TestComponentLogger_TagsComponentField(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = prev }()

	ComponentLogger("rules").Info().Msg("packs reloaded")

	assert.Contains(t, buf.String(), `"component":"rules"`)
	assert.Contains(t, buf.String(), "packs reloaded")
}
