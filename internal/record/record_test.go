package record_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/memoryd/internal/record"
)

func TestParseLayer(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    record.Layer
		wantErr bool
	}{
		{name: "interact", input: "interact", want: record.Interact},
		{name: "insights", input: "insights", want: record.Insights},
		{name: "assets", input: "assets", want: record.Assets},
		{name: "unknown", input: "archive", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := record.ParseLayer(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, record.ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestLayerNext(t *testing.T) {
	next, ok := record.Interact.Next()
	require.True(t, ok)
	assert.Equal(t, record.Insights, next)

	next, ok = record.Insights.Next()
	require.True(t, ok)
	assert.Equal(t, record.Assets, next)

	_, ok = record.Assets.Next()
	assert.False(t, ok)
}

func TestCodecRoundTrip(t *testing.T) {
	rec := &record.Record{
		ID:          uuid.New(),
		Text:        "hello world",
		Embedding:   []float32{0.1, -0.2, 0.3},
		Layer:       record.Insights,
		Kind:        "user_message",
		Tags:        []string{"alpha", "beta"},
		Project:     "proj",
		Session:     "sess",
		TS:          time.Now().UTC().Truncate(time.Microsecond),
		AccessCount: 7,
		LastAccess:  time.Now().UTC().Truncate(time.Microsecond),
	}

	data, err := record.Encode(rec)
	require.NoError(t, err)

	got, err := record.Decode(data)
	require.NoError(t, err)

	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Text, got.Text)
	assert.Equal(t, rec.Embedding, got.Embedding)
	assert.Equal(t, rec.Layer, got.Layer)
	assert.Equal(t, rec.Kind, got.Kind)
	assert.Equal(t, rec.Tags, got.Tags)
	assert.Equal(t, rec.Project, got.Project)
	assert.Equal(t, rec.Session, got.Session)
	assert.True(t, rec.TS.Equal(got.TS))
	assert.Equal(t, rec.AccessCount, got.AccessCount)
	assert.True(t, rec.LastAccess.Equal(got.LastAccess))
}

func TestCodecScoreIsTransient(t *testing.T) {
	rec := record.New("scored", []float32{1, 2}, record.Interact)
	rec.Score = 0.99

	data, err := record.Encode(rec)
	require.NoError(t, err)
	got, err := record.Decode(data)
	require.NoError(t, err)
	assert.Zero(t, got.Score)
}

func TestDecodeCorrupt(t *testing.T) {
	_, err := record.Decode(nil)
	assert.ErrorIs(t, err, record.ErrCorrupt)

	_, err = record.Decode([]byte{1, 0xde, 0xad, 0xbe, 0xef})
	assert.ErrorIs(t, err, record.ErrCorrupt)
}

func TestDecodeFutureVersion(t *testing.T) {
	rec := record.New("v", []float32{1}, record.Interact)
	data, err := record.Encode(rec)
	require.NoError(t, err)

	data[0] = 99
	_, err = record.Decode(data)
	assert.ErrorIs(t, err, record.ErrCorrupt)
}

func TestValidate(t *testing.T) {
	rec := record.New("ok", []float32{1, 2, 3}, record.Interact)
	require.NoError(t, rec.Validate(3))

	assert.ErrorIs(t, rec.Validate(4), record.ErrInvalid)

	rec.ID = uuid.Nil
	assert.ErrorIs(t, rec.Validate(3), record.ErrInvalid)
}

func TestHasTags(t *testing.T) {
	rec := record.New("tagged", []float32{1}, record.Interact)
	rec.Tags = []string{"a", "b", "c"}

	assert.True(t, rec.HasTags(nil))
	assert.True(t, rec.HasTags([]string{"a"}))
	assert.True(t, rec.HasTags([]string{"a", "c"}))
	assert.False(t, rec.HasTags([]string{"a", "d"}))
}

func TestClone(t *testing.T) {
	rec := record.New("orig", []float32{1, 2}, record.Interact)
	rec.Tags = []string{"x"}

	cp := rec.Clone()
	cp.Embedding[0] = 42
	cp.Tags[0] = "y"

	assert.Equal(t, float32(1), rec.Embedding[0])
	assert.Equal(t, "x", rec.Tags[0])
}
