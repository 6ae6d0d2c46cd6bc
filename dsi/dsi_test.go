package dsi

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncw-hpss/gridftp-hpss-dsi/archive"
	"github.com/ncw-hpss/gridftp-hpss-dsi/frame"
	"github.com/ncw-hpss/gridftp-hpss-dsi/internal/rangelist"
)

func writeTestConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gridftp_hpss_dsi.conf")
	err := os.WriteFile(path, []byte("LoginName hpssftp\nAuthenticationMech password\nUDAChecksumSupport yes\n"), 0o644)
	require.NoError(t, err)
	t.Setenv("HPSS_DSI_CONFIG_FILE", path)
}

type fakeFile struct {
	size          int64
	closed        bool
	pinsClass     bool
	reappliedHint *archive.COSHints
}

func (f *fakeFile) StripeWidth() int       { return 1 }
func (f *fakeFile) FilesetPinsClass() bool { return f.pinsClass }
func (f *fakeFile) SetClassByHints(ctx context.Context, hints archive.COSHints) error {
	f.reappliedHint = &hints
	return nil
}
func (f *fakeFile) Size() (int64, error) { return f.size, nil }
func (f *fakeFile) Close() error                                          { f.closed = true; return nil }
func (f *fakeFile) StartPIO(context.Context, archive.OpType, int64, int64, int64) (archive.ParallelIO, error) {
	return nil, nil
}

type fakeSession struct{}

func (s *fakeSession) RegisterRead(context.Context, []byte, frame.ReadCallback) error { return nil }
func (s *fakeSession) RegisterWrite(context.Context, []byte, int64, int, frame.WriteCallback) error {
	return nil
}
func (s *fakeSession) BeginTransfer(context.Context, frame.TransferMask) error { return nil }
func (s *fakeSession) FinishedTransfer(error)                                 {}
func (s *fakeSession) OptimalConcurrency() (int, error)                       { return 1, nil }
func (s *fakeSession) BlockSize() (int64, error)                             { return 1024, nil }
func (s *fakeSession) ReadRange() (frame.Range, error)                       { return frame.Range{}, nil }
func (s *fakeSession) WriteRange() (frame.Range, error)                      { return frame.Range{}, nil }
func (s *fakeSession) IntermediateCommand(error, string) error               { return nil }
func (s *fakeSession) UpdatePerfMarkers(int64, int64)                        {}
func (s *fakeSession) UpdateRestartMarkers(int64, int64)                     {}
func (s *fakeSession) UpdateInterval() (time.Duration, error)                { return 0, nil }

type fakeOpener struct {
	writeHints    archive.COSHints
	writeTruncate bool
	readPath      string
	pinsClass     bool
}

func (o *fakeOpener) OpenForWrite(ctx context.Context, path string, hints archive.COSHints, truncate bool) (archive.File, error) {
	o.writeHints = hints
	o.writeTruncate = truncate
	return &fakeFile{pinsClass: o.pinsClass}, nil
}

func (o *fakeOpener) OpenForRead(ctx context.Context, path string) (archive.File, error) {
	o.readPath = path
	return &fakeFile{}, nil
}

type fakeDelegate struct {
	verb frame.CommandVerb
	args []string
}

func (d *fakeDelegate) Delegate(ctx context.Context, verb frame.CommandVerb, args []string) (string, error) {
	d.verb = verb
	d.args = args
	return "250 OK", nil
}

type fakeCommandAdder struct {
	verb, usage       string
	minArgc, maxArgc  int
	hasPathname       bool
}

func (a *fakeCommandAdder) AddCommand(verb, usage string, minArgc, maxArgc int, hasPathname bool) error {
	a.verb, a.usage, a.minArgc, a.maxArgc, a.hasPathname = verb, usage, minArgc, maxArgc, hasPathname
	return nil
}

func TestNewLoadsConfig(t *testing.T) {
	writeTestConfig(t)
	sess, err := New(frame.SessionInfo{AuthenticatedUser: "alice", Home: "/home/alice"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hpssftp", sess.Config().LoginName)
	assert.True(t, sess.Config().UDAChecksumSupport)
}

func TestTableSendEmptyFile(t *testing.T) {
	writeTestConfig(t)
	sess, err := New(frame.SessionInfo{}, nil)
	require.NoError(t, err)

	table := sess.Table()
	file := &fakeFile{size: 0}
	err = table.Send(context.Background(), &fakeSession{}, file, []rangelist.FrameRange{{Offset: 0, Length: -1}})
	require.NoError(t, err)
	assert.True(t, file.closed)
}

func TestTableCommandDispatchesStage(t *testing.T) {
	writeTestConfig(t)
	sess, err := New(frame.SessionInfo{}, nil)
	require.NoError(t, err)

	table := sess.Table()
	resp, err := table.Command(context.Background(), frame.VerbStage, []string{"SITE", "STAGE", "120", "/archive/path"}, &fakeDelegate{})
	require.NoError(t, err)
	assert.Equal(t, "213 Staged", resp)
}

func TestTableCommandStageRejectsTooFewArgs(t *testing.T) {
	writeTestConfig(t)
	sess, err := New(frame.SessionInfo{}, nil)
	require.NoError(t, err)

	table := sess.Table()
	_, err = table.Command(context.Background(), frame.VerbStage, []string{"SITE", "STAGE"}, &fakeDelegate{})
	assert.Error(t, err)
}

func TestTableCommandDelegatesOtherVerbs(t *testing.T) {
	writeTestConfig(t)
	sess, err := New(frame.SessionInfo{}, nil)
	require.NoError(t, err)

	table := sess.Table()
	delegate := &fakeDelegate{}
	resp, err := table.Command(context.Background(), frame.VerbMkdir, []string{"/a/b"}, delegate)
	require.NoError(t, err)
	assert.Equal(t, "250 OK", resp)
	assert.Equal(t, frame.VerbMkdir, delegate.verb)
}

func TestRegisterCommandsAddsStage(t *testing.T) {
	writeTestConfig(t)
	sess, err := New(frame.SessionInfo{}, nil)
	require.NoError(t, err)

	adder := &fakeCommandAdder{}
	require.NoError(t, sess.RegisterCommands(adder))
	assert.Equal(t, "stage", adder.verb)
	assert.Equal(t, 4, adder.minArgc)
	assert.Equal(t, 4, adder.maxArgc)
	assert.Equal(t, "SITE STAGE <sp> timeout <sp> path", adder.usage)
	assert.True(t, adder.hasPathname)
}

func TestSessionOpenForWriteBuildsHintsAndTruncates(t *testing.T) {
	writeTestConfig(t)
	opener := &fakeOpener{}
	sess, err := New(frame.SessionInfo{}, opener)
	require.NoError(t, err)

	file, err := sess.OpenForWrite(context.Background(), "/archive/path", 8192, true)
	require.NoError(t, err)
	require.NotNil(t, file)

	assert.True(t, opener.writeTruncate)
	assert.Equal(t, archive.COSHints{
		MinFileSize: 8192,
		MinPriority: archive.PriorityRequired,
		MaxFileSize: 8192,
		MaxPriority: archive.PriorityHighlyDesired,
	}, opener.writeHints)

	ff := file.(*fakeFile)
	require.NotNil(t, ff.reappliedHint)
	assert.Equal(t, opener.writeHints, *ff.reappliedHint)
}

func TestSessionOpenForWriteSkipsReapplyWhenFilesetPinsClass(t *testing.T) {
	writeTestConfig(t)
	opener := &fakeOpener{pinsClass: true}
	sess, err := New(frame.SessionInfo{}, opener)
	require.NoError(t, err)

	file, err := sess.OpenForWrite(context.Background(), "/archive/path", 8192, true)
	require.NoError(t, err)

	ff := file.(*fakeFile)
	assert.Nil(t, ff.reappliedHint)
}

func TestSessionOpenForWriteSkipsReapplyWithoutTruncate(t *testing.T) {
	writeTestConfig(t)
	opener := &fakeOpener{}
	sess, err := New(frame.SessionInfo{}, opener)
	require.NoError(t, err)

	file, err := sess.OpenForWrite(context.Background(), "/archive/path", 8192, false)
	require.NoError(t, err)

	ff := file.(*fakeFile)
	assert.Nil(t, ff.reappliedHint)
}

func TestSessionOpenForRead(t *testing.T) {
	writeTestConfig(t)
	opener := &fakeOpener{}
	sess, err := New(frame.SessionInfo{}, opener)
	require.NoError(t, err)

	file, err := sess.OpenForRead(context.Background(), "/archive/path")
	require.NoError(t, err)
	require.NotNil(t, file)
	assert.Equal(t, "/archive/path", opener.readPath)
}
