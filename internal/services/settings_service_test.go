package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsService_SetGet(t *testing.T) {
	svc := NewSettingsService(openDB(t))
	ctx := context.Background()

	_, err := svc.Get(ctx, "settings")
	assert.ErrorIs(t, err, ErrSettingNotFound)

	require.NoError(t, svc.Set(ctx, "settings", json.RawMessage(`{"title":"Ender"}`)))
	require.NoError(t, svc.Set(ctx, "settings", json.RawMessage(`{"title":"Ender Panel"}`)))

	v, err := svc.Get(ctx, "settings")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Ender Panel"}`, string(v))

	assert.Error(t, svc.Set(ctx, "broken", json.RawMessage(`{`)))
}

type mapReader map[string]string

func (m mapReader) Get(_ context.Context, key string) (json.RawMessage, error) {
	v, ok := m[key]
	if !ok {
		return nil, ErrSettingNotFound
	}
	return json.RawMessage(v), nil
}

type brokenReader struct{}

func (brokenReader) Get(context.Context, string) (json.RawMessage, error) {
	return nil, errors.New("disk on fire")
}

func TestLayeredSettings(t *testing.T) {
	top := mapReader{"plugins": `[]`}
	bottom := mapReader{"plugins": `["shadowed"]`, "settings": `{"a":1}`}
	l := NewLayeredSettings(top, bottom)
	ctx := context.Background()

	v, err := l.Get(ctx, "plugins")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(v))

	v, err = l.Get(ctx, "settings")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(v))

	_, err = l.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSettingNotFound)

	_, err = NewLayeredSettings(brokenReader{}, bottom).Get(ctx, "settings")
	assert.EqualError(t, err, "disk on fire")
}
