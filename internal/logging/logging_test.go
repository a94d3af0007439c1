package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevels(t *testing.T) {
	tests := []struct {
		name string
		do   func(*testing.T, *bytes.Buffer)
	}{
		{
			name: "debug suppressed by default",
			do: func(t *testing.T, buf *bytes.Buffer) {
				SetDebug(false)
				Debugf("hidden %d", 1)
				require.Empty(t, buf.String())
			},
		},
		{
			name: "debug enabled",
			do: func(t *testing.T, buf *bytes.Buffer) {
				SetDebug(true)
				Debugf("shown %d", 2)
				require.Contains(t, buf.String(), "shown 2")
			},
		},
		{
			name: "level by name",
			do: func(t *testing.T, buf *bytes.Buffer) {
				require.NoError(t, SetLevel("error"))
				Infof("quiet")
				require.Empty(t, buf.String())
				require.Error(t, SetLevel("loud"))
			},
		},
		{
			name: "session attribute",
			do: func(t *testing.T, buf *bytes.Buffer) {
				SetDebug(false)
				WithSession("abc")
				Info("hello")
				require.Contains(t, buf.String(), "session=abc")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			SetOutput(buf)
			tt.do(t, buf)
		})
	}
}
