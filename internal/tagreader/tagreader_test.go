package tagreader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadTagDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "series#1.tags")
	require.NoError(t, os.WriteFile(path, []byte(`{"StudyInstanceUID":"1.2.3","Modality":"MR"}`), 0o644))

	doc, err := ReadTagDocument(path)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", doc.StudyInstanceUID())
	assert.Equal(t, "MR", doc["Modality"])
}

func TestReadTagDocumentMissing(t *testing.T) {
	_, err := ReadTagDocument(filepath.Join(t.TempDir(), "missing.tags"))
	require.Error(t, err)
}

func TestReadTagDocumentInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "series#1.tags")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))

	_, err := ReadTagDocument(path)
	require.Error(t, err)
}

func TestParseASCCONV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "series#1.dcm")

	body := "some binary prefix\n" +
		ascconvBegin + " ###\n" +
		"tSequenceFileName \t = \t \"\"ep2d_bold\"\"\n" +
		"sWipMemBlock.alFree[8] \t = \t 40\n" +
		"sSliceArray.asSlice[0].dThickness \t = \t 3.0\n" +
		ascconvEnd + " ###\n" +
		"trailing binary suffix"

	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	parsed, err := ParseASCCONV(path)
	require.NoError(t, err)

	seq, ok := parsed["tSequenceFileName"].(string)
	require.True(t, ok)
	assert.Equal(t, "ep2d_bold", seq)

	wip, ok := parsed["sWipMemBlock"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, int64(40), wip["alFree[8]"])

	slice, ok := parsed["sSliceArray"].(map[string]interface{})
	require.True(t, ok)
	inner, ok := slice["asSlice[0]"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 3.0, inner["dThickness"])
}

func TestParseASCCONVMissingMarkers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "no-header.dcm")
	require.NoError(t, os.WriteFile(path, []byte("just some binary data with no markers"), 0o644))

	_, err := ParseASCCONV(path)
	require.Error(t, err)
}
