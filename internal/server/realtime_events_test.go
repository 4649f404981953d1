package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexID(t *testing.T) {
	tests := []struct {
		in      string
		want    uint
		wantErr bool
	}{
		{`42`, 42, false},
		{`"42"`, 42, false},
		{`" 7 "`, 7, false},
		{`null`, 0, false},
		{`""`, 0, false},
		{`-1`, 0, true},
		{`"abc"`, 0, true},
		{`4.5`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var id flexID
			err := json.Unmarshal([]byte(tt.in), &id)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, uint(id))
		})
	}
}

func TestDecodeRoom(t *testing.T) {
	req, err := decodeRoom(json.RawMessage(`{"roomId":"12","userId":3}`))
	require.NoError(t, err)
	assert.Equal(t, uint(12), req.room())
	assert.Equal(t, flexID(3), req.UserID)

	req, err = decodeRoom(json.RawMessage(`{"conversationId":9}`))
	require.NoError(t, err)
	assert.Equal(t, uint(9), req.room())

	req, err = decodeRoom(json.RawMessage(`15`))
	require.NoError(t, err)
	assert.Equal(t, uint(15), req.room())

	_, err = decodeRoom(json.RawMessage(`[1]`))
	assert.Error(t, err)
}

func TestDecodeSetup(t *testing.T) {
	id, err := decodeSetup(json.RawMessage(`5`))
	require.NoError(t, err)
	assert.Equal(t, uint(5), id)

	id, err = decodeSetup(json.RawMessage(`{"userId":"8"}`))
	require.NoError(t, err)
	assert.Equal(t, uint(8), id)

	_, err = decodeSetup(json.RawMessage(`true`))
	assert.Error(t, err)
}
