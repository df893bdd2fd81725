package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenSetOverlap(t *testing.T) {
	assert.Equal(t, 1.0, TokenSetOverlap([]string{"a", "b"}, []string{"b", "a", "a"}))
	assert.InDelta(t, 1.0/3.0, TokenSetOverlap([]string{"a", "b"}, []string{"a", "c"}), 1e-9)
	assert.Equal(t, 0.0, TokenSetOverlap(nil, nil))
}

func TestEditRatio(t *testing.T) {
	assert.Equal(t, 1.0, EditRatio("", ""))
	assert.Equal(t, 1.0, EditRatio("a54", "a54"))
	assert.InDelta(t, 2.0/3.0, EditRatio("a54", "a34"), 1e-9)
	assert.Equal(t, 0.0, EditRatio("abc", ""))
	// rune based: one persian letter substitution
	assert.InDelta(t, 1-1.0/7.0, EditRatio("سامسونگ", "سامسونک"), 1e-9)
}

func TestTitleSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, TitleSimilarity("Galaxy A54 Samsung", "samsung galaxy a54"), 1e-9)
	assert.InDelta(t, 0.8, TitleSimilarity("samsung galaxy a54 128gb black", "Samsung Galaxy A54 128GB"), 1e-9)
	assert.Equal(t, 0.0, TitleSimilarity("", "samsung"))
}
