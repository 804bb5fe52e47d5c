package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// add [rsi], rax; add rax, -1; ret
var code = []byte{0x48, 0x01, 0x06, 0x48, 0x83, 0xc0, 0xff, 0xc3}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	require.NoError(t, root.Execute(), errOut.String())
	return out.String()
}

func TestPackDisasmInspect(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "text.bin")
	require.NoError(t, os.WriteFile(input, code, 0o644))
	out := filepath.Join(dir, "out")
	archive := filepath.Join(dir, "archive")

	got := execute(t, "pack", "--archive-dir", archive, "-o", out, "--rva", "0x1000", input)
	assert.Contains(t, got, `2 sites`)
	assert.Contains(t, got, `"text.bin"`)

	for _, name := range []string{codeFile, bufferFile, tableFile, storeFile} {
		assert.FileExists(t, filepath.Join(out, name))
	}
	patched, err := os.ReadFile(filepath.Join(out, codeFile))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xcc, 0x90, 0x90, 0xcc, 0x90, 0x90, 0x90, 0xc3}, patched)

	listing := execute(t, "disasm", filepath.Join(out, bufferFile))
	assert.Equal(t, "0000: add qword ptr [rsi], rax\n000c: add rax, -1\n", listing)

	tree := execute(t, "inspect", filepath.Join(out, storeFile))
	assert.Contains(t, tree, "(2 entries, last resolved 0x0)")
	assert.Contains(t, tree, "0x1000")
	assert.Contains(t, tree, "add qword ptr [rsi], rax")
	assert.Contains(t, tree, "0x1003")

	archived := execute(t, "inspect", "--archive-dir", archive, "--archive", "text.bin")
	assert.Equal(t, tree[len(filepath.Join(out, storeFile)):], archived[len("text.bin"):])
}

func TestInspectNeedsInput(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"inspect"})
	assert.ErrorContains(t, root.Execute(), "--archive")
}

func TestExitError(t *testing.T) {
	assert.Equal(t, "exit status 3", exitError(3).Error())
}
