package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func commands(j *Journal) []string {
	lines := j.Lines()
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Command
	}
	return out
}

func TestJournalRecordsLines(t *testing.T) {
	j := NewJournal()
	j.Process([]byte("ls -la\r"))
	j.Process([]byte("echo hi\n"))
	require.Equal(t, []string{"ls -la", "echo hi"}, commands(j))
}

func TestJournalBackspaceEditing(t *testing.T) {
	j := NewJournal()
	j.Process([]byte("lsx\x7f\r"))
	require.Equal(t, []string{"ls"}, commands(j))
}

func TestJournalCtrlCDiscardsPendingLine(t *testing.T) {
	j := NewJournal()
	j.Process([]byte("rm -rf /\x03"))
	j.Process([]byte("pwd\r"))
	require.Equal(t, []string{"pwd"}, commands(j))
}

func TestJournalSwallowsEscapeSequences(t *testing.T) {
	j := NewJournal()
	// Arrow-key CSI sequences must not leak into the command text.
	j.Process([]byte("ls\x1b[A\x1b[B\r"))
	require.Equal(t, []string{"ls"}, commands(j))
}

func TestJournalEmptyLinesIgnored(t *testing.T) {
	j := NewJournal()
	j.Process([]byte("\r\r\n"))
	require.Empty(t, commands(j))
}
