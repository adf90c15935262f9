package testutils

import (
	"testing"

	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"
	"github.com/stretchr/testify/assert"
)

func TestSafeWriteBufferMessages(t *testing.T) {
	buff := &SafeWriteBuffer{}
	log := logging.New(logging.Zerolog, "wispi", buff)
	log.SetLevel(types.DebugLevel)

	log.Info().Str("name", "wl0").Msg("first")
	log.Debug().Int("n", 2).Msg("second")
	_, _ = buff.Write([]byte("not json\n"))

	assert.Equal(t, []string{"first", "second"}, buff.Messages())
	assert.Len(t, buff.Entries(), 2)
	assert.Greater(t, buff.Len(), 0)
}
