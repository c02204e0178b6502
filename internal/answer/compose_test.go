package answer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/medassist/internal/domain"
)

func TestComposeText(t *testing.T) {
	got := ComposeText([]string{"BP above 140/90 is stage 2.", "Lifestyle changes first."}, "What is stage 2 hypertension?")

	want := "Using the context below, answer the medical query:\n\n" +
		"BP above 140/90 is stage 2.\n\nLifestyle changes first." +
		"\n\nQuestion: What is stage 2 hypertension?"
	assert.Equal(t, want, got)
}

func TestComposeImage_UsesBaseNames(t *testing.T) {
	got := ComposeImage([]string{"data/xray_01.png", "/srv/images/ct_scan.jpg"}, "Is this a fracture?")

	want := "The user uploaded a medical image and asked: 'Is this a fracture?'.\n" +
		"Here are related images from memory:\n" +
		"- Similar image: xray_01.png\n" +
		"- Similar image: ct_scan.jpg" +
		"\n\nGenerate a helpful and medically sound response."
	assert.Equal(t, want, got)
	assert.NotContains(t, got, "/srv/images")
}

func TestComposePDF_TakesFirstThree(t *testing.T) {
	got := ComposePDF([]string{"one", "two", "three", "four"})

	assert.Equal(t, "Summarize this medical PDF:\n\none\n\ntwo\n\nthree", got)
}

func TestCompose_Dispatch(t *testing.T) {
	text, err := Compose(domain.ModalityText, []string{"c"}, "q")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(text, "Using the context below"))

	img, err := Compose(domain.ModalityImage, []string{"a.png"}, "q")
	require.NoError(t, err)
	assert.Contains(t, img, "- Similar image: a.png")

	pdf, err := Compose(domain.ModalityPDF, []string{"c"}, "ignored")
	require.NoError(t, err)
	assert.NotContains(t, pdf, "ignored")

	_, err = Compose(domain.Modality("audio"), nil, "q")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTruncateRunes(t *testing.T) {
	cut, truncated := truncateRunes("héllo wörld", 4)
	assert.True(t, truncated)
	assert.Equal(t, "héll", cut)

	same, truncated := truncateRunes("short", 10)
	assert.False(t, truncated)
	assert.Equal(t, "short", same)
}
