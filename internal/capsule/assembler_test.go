package capsule

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/capsuleforge/orchestrator/internal/models"
	"github.com/capsuleforge/orchestrator/internal/taskerrors"
)

func assembleInput() AssembleInput {
	return AssembleInput{
		Request: &models.Request{
			ID:          "req-1",
			TenantID:    "acme",
			Description: "Write a factorial function in Python",
		},
		Shared: models.SharedContext{Language: "python", MainFileName: "main.py"},
		Tasks: []models.Task{
			{ID: 0, Type: models.TaskTypeImplementation},
			{ID: 1, Type: models.TaskTypeTestGeneration},
			{ID: 2, Type: models.TaskTypeDocumentation},
		},
		Results: map[int]*models.TaskResult{
			0: {TaskID: 0, Status: models.TaskStatusCompleted, Kind: models.OutputKindCode,
				Payload: "```python\ndef factorial(n):\n    return 1 if n < 2 else n * factorial(n - 1)\n```"},
			1: {TaskID: 1, Status: models.TaskStatusCompleted, Kind: models.OutputKindTests,
				Payload: "def test_factorial():\r\n    assert factorial(5) == 120\r\n"},
			2: {TaskID: 2, Status: models.TaskStatusCompleted, Kind: models.OutputKindDocs,
				Payload: "# Factorial\n\nComputes n!."},
		},
		Validation: &models.ValidationReport{Status: models.CheckPassed, Confidence: 1},
		WorkflowID: "wf-1",
	}
}

func TestAssembleRoutesOutputs(t *testing.T) {
	c := NewAssembler(zaptest.NewLogger(t)).Assemble(assembleInput())

	require.False(t, c.IsError)
	require.Contains(t, c.SourceCode, "main.py")
	assert.Equal(t, "def factorial(n):\n    return 1 if n < 2 else n * factorial(n - 1)\n", c.SourceCode["main.py"])
	require.Contains(t, c.Tests, "test_main.py")
	assert.NotContains(t, c.Tests["test_main.py"], "\r")
	assert.Contains(t, c.Documentation, "Computes n!")
	assert.Equal(t, "python", c.Manifest.Language)
	assert.Equal(t, "main.py", c.Manifest.EntryPoint)
	assert.Equal(t, "pytest", c.Manifest.Commands["test"])
	assert.Equal(t, "acme", c.TenantID)
}

func TestAssembleSynthesizesReadme(t *testing.T) {
	in := assembleInput()
	delete(in.Results, 2)
	in.Request.Requirements = []string{"handle negative input"}

	c := NewAssembler(nil).Assemble(in)
	assert.Contains(t, c.Documentation, in.Request.Description)
	assert.Contains(t, c.Documentation, "handle negative input")
}

func TestAssembleExtraCodeFilesAreNumbered(t *testing.T) {
	in := assembleInput()
	in.Tasks = append(in.Tasks, models.Task{ID: 3, Type: models.TaskTypeImplementation})
	in.Results[3] = &models.TaskResult{
		TaskID: 3, Status: models.TaskStatusCompleted,
		Kind: models.OutputKindCode, Payload: "def helper():\n    pass\n",
	}

	c := NewAssembler(nil).Assemble(in)
	require.Contains(t, c.SourceCode, "main.py")
	require.Contains(t, c.SourceCode, "main_2.py")
}

func TestAssembleTestMarkerRoutesCodeToTests(t *testing.T) {
	in := assembleInput()
	in.Tasks[1] = models.Task{ID: 1, Type: models.TaskTypeImplementation, Description: "write pytest cases"}
	in.Results[1].Kind = models.OutputKindCode

	c := NewAssembler(nil).Assemble(in)
	assert.Len(t, c.SourceCode, 1)
	assert.Contains(t, c.Tests, "test_main.py")
}

func TestAssembleErrorCapsule(t *testing.T) {
	in := assembleInput()
	in.Results = map[int]*models.TaskResult{
		0: {TaskID: 0, Status: models.TaskStatusFailed, ErrorMessage: "model refused"},
		1: {TaskID: 1, Status: models.TaskStatusCancelled},
	}

	c := NewAssembler(zaptest.NewLogger(t)).Assemble(in)
	require.True(t, c.IsError)
	assert.Empty(t, c.SourceCode)
	assert.Contains(t, c.Documentation, "model refused")
	assert.Equal(t, "error", c.Manifest.Type)
	assert.Equal(t, "0.0.0", c.Manifest.Version)
}

func TestNormalizePayload(t *testing.T) {
	assert.Equal(t, "x = 1\n", NormalizePayload("```python\nx = 1\n```"))
	assert.Equal(t, "a\nb\n", NormalizePayload("a\r\nb"))
	assert.Equal(t, "plain\n", NormalizePayload("plain"))
	assert.Equal(t, "", NormalizePayload("   "))
}

func TestPackageZipLayout(t *testing.T) {
	c := NewAssembler(nil).Assemble(assembleInput())
	blob, err := Package(c, FormatZip)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["capsule.yaml"])
	assert.True(t, names["README.md"])
	assert.True(t, names["validation.json"])
	assert.True(t, names["main.py"])
	assert.True(t, names["tests/test_main.py"])
}

func TestPackageIsReproducible(t *testing.T) {
	c := NewAssembler(nil).Assemble(assembleInput())
	for _, format := range []Format{FormatZip, FormatTar, FormatTarGz} {
		a, err := Package(c, format)
		require.NoError(t, err)
		b, err := Package(c, format)
		require.NoError(t, err)
		assert.Equal(t, a, b, "format %s", format)
	}
}

func TestPackageTarEntries(t *testing.T) {
	c := NewAssembler(nil).Assemble(assembleInput())
	blob, err := Package(c, FormatTar)
	require.NoError(t, err)

	tr := tar.NewReader(bytes.NewReader(blob))
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		assert.Equal(t, packageEpoch, hdr.ModTime.UTC())
	}
	assert.IsIncreasing(t, names)
}

func TestPackageUnknownFormat(t *testing.T) {
	c := NewAssembler(nil).Assemble(assembleInput())
	_, err := Package(c, Format("rar"))
	require.Error(t, err)
	assert.True(t, taskerrors.IsType(err, taskerrors.TypeValidation))
}

func TestSafeEntryName(t *testing.T) {
	assert.Equal(t, "etc/passwd", safeEntryName("../../etc/passwd"))
	assert.Equal(t, "a/b.py", safeEntryName("a//b.py"))
}
