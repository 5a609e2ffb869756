package filters

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/smazurov/mediagraph/internal/caps"
	"github.com/smazurov/mediagraph/internal/filter"
	"github.com/smazurov/mediagraph/internal/props"
)

const fileScheme = "file://"

// knownExtensions are claimed by fin even when the file does not exist yet.
var knownExtensions = map[string]bool{
	".264": true, ".h264": true, ".avc": true,
	".opus": true, ".txt": true, ".log": true,
	".bin": true, ".raw": true,
}

func localPath(url string) string {
	return strings.TrimPrefix(url, fileScheme)
}

// FileInput describes fin, a source reading a local file in chunks.
func FileInput() *filter.Descriptor {
	return &filter.Descriptor{
		Name:        "fin",
		Description: "Reads a local file",
		Args: []filter.ArgDesc{
			{Name: "src", Kind: props.KindString, Description: "Path or file:// URL", Flags: filter.ArgRequired},
			{Name: "chunk", Kind: props.KindInt32, Default: "4096", Description: "Read size in bytes"},
		},
		Caps: caps.Single(
			caps.Out(props.StreamType, props.Uint32(props.StreamFile)),
		),
		Probe: probeFile,
		New:   func() filter.Filter { return &fileInput{} },
	}
}

func probeFile(url, _ string) filter.ProbeScore {
	if strings.Contains(url, "://") && !strings.HasPrefix(url, fileScheme) {
		return filter.ProbeNotSupported
	}
	path := localPath(url)
	if st, err := os.Stat(path); err == nil && st.Mode().IsRegular() {
		return filter.ProbeSupported
	}
	if knownExtensions[strings.ToLower(filepath.Ext(path))] {
		return filter.ProbeMaybe
	}
	return filter.ProbeNotSupported
}

type fileInput struct {
	Src   string `arg:"src"`
	Chunk int    `arg:"chunk"`

	file   *os.File
	pid    *filter.Pid
	offset int64
	ended  bool
}

func (r *fileInput) Initialize(f *filter.Instance) error {
	if r.Chunk <= 0 {
		return filter.NewError(filter.CodeBadParameter, fmt.Sprintf("invalid chunk size %d", r.Chunk), nil)
	}
	path := localPath(r.Src)
	file, err := os.Open(path)
	if err != nil {
		code := filter.CodeIOFailure
		if errors.Is(err, os.ErrNotExist) {
			code = filter.CodeNotFound
		}
		return filter.NewError(code, "open "+path, err)
	}
	r.file = file

	ext := strings.ToLower(filepath.Ext(path))
	r.pid = f.NewPid()
	r.pid.SetName(filepath.Base(path))
	r.pid.SetPropCode(props.StreamType, props.Uint32(props.StreamFile))
	r.pid.SetPropCode(props.URL, props.String(r.Src))
	if ext != "" {
		r.pid.SetPropCode(props.FileExt, props.String(strings.TrimPrefix(ext, ".")))
		if mt := mime.TypeByExtension(ext); mt != "" {
			r.pid.SetPropCode(props.MIME, props.String(mt))
		}
	}
	f.Logger().Debug("File opened", "path", path, "chunk", r.Chunk)
	return nil
}

func (r *fileInput) ConfigurePid(*filter.Instance, *filter.Pid, bool) error {
	return filter.ErrUnsupported
}

func (r *fileInput) Process(f *filter.Instance) error {
	if r.ended {
		return filter.ErrEOS
	}
	buf := make([]byte, r.Chunk)
	n, err := io.ReadFull(r.file, buf)
	eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
	if err != nil && !eof {
		return filter.NewError(filter.CodeIOFailure, "read "+r.file.Name(), err)
	}
	if n > 0 {
		pk, err := r.pid.NewShared(buf[:n], nil)
		if err != nil {
			return err
		}
		pk.SetByteOffset(r.offset)
		pk.SetFraming(r.offset == 0, eof)
		if r.offset == 0 {
			pk.SetSAP(filter.SAP1)
		}
		if err := pk.Send(); err != nil {
			return err
		}
		r.offset += int64(n)
	}
	if eof {
		r.ended = true
		r.pid.SetEOS()
		f.Logger().Debug("File read", "path", r.file.Name(), "bytes", r.offset)
		return filter.ErrEOS
	}
	return nil
}

// ProcessEvent handles SourceSeek by moving the read position.
func (r *fileInput) ProcessEvent(f *filter.Instance, ev *filter.Event) bool {
	if ev.Type != filter.EventSourceSeek {
		return false
	}
	if _, err := r.file.Seek(ev.Offset, io.SeekStart); err != nil {
		f.Logger().Warn("Seek failed", "offset", ev.Offset, "error", err)
		return true
	}
	r.offset = ev.Offset
	r.ended = false
	return true
}

func (r *fileInput) Finalize(f *filter.Instance) {
	if r.file == nil {
		return
	}
	if err := r.file.Close(); err != nil {
		f.Logger().Warn("Failed to close file", "error", err)
	}
}

// FileOutput describes fout, a sink writing packet payloads to a file.
func FileOutput() *filter.Descriptor {
	return &filter.Descriptor{
		Name:        "fout",
		Description: "Writes packet payloads to a local file",
		Args: []filter.ArgDesc{
			{Name: "dst", Kind: props.KindString, Description: "Path or file:// URL", Flags: filter.ArgRequired},
		},
		Caps:     caps.Single(caps.Exclude(props.StreamType, props.Uint32(props.StreamUnknown))),
		Explicit: true,
		New:      func() filter.Filter { return &fileOutput{} },
	}
}

type fileOutput struct {
	Dst string `arg:"dst"`

	file    *os.File
	in      *filter.Pid
	written int64
	ended   bool
}

func (w *fileOutput) Initialize(f *filter.Instance) error {
	path := localPath(w.Dst)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return filter.NewError(filter.CodeIOFailure, "create "+dir, err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return filter.NewError(filter.CodeIOFailure, "create "+path, err)
	}
	w.file = file
	return nil
}

func (w *fileOutput) ConfigurePid(f *filter.Instance, pid *filter.Pid, remove bool) error {
	if remove {
		if pid == w.in {
			w.in = nil
		}
		return nil
	}
	if w.in != nil && w.in != pid {
		return filter.ErrNeedsNewInstance
	}
	if w.in == nil {
		pid.SendEvent(filter.Play(0, 0))
	}
	w.in = pid
	f.Logger().Debug("Writing pid", "pid", pid.Name(), "path", w.file.Name())
	return nil
}

func (w *fileOutput) Process(f *filter.Instance) error {
	if w.in == nil {
		return filter.ErrEOS
	}
	for {
		pk := w.in.GetPacket()
		if pk == nil {
			break
		}
		n, err := w.file.Write(pk.Data())
		w.written += int64(n)
		w.in.DropPacket()
		if err != nil {
			return filter.NewError(filter.CodeIOFailure, "write "+w.file.Name(), err)
		}
	}
	if w.in.IsEOS() && !w.ended {
		w.ended = true
		if err := w.file.Sync(); err != nil {
			f.Logger().Warn("Failed to sync file", "error", err)
		}
		f.Logger().Info("File written", "path", w.file.Name(), "bytes", w.written)
	}
	return filter.ErrEOS
}

func (w *fileOutput) Finalize(f *filter.Instance) {
	if w.file == nil {
		return
	}
	if err := w.file.Close(); err != nil {
		f.Logger().Warn("Failed to close file", "error", err)
	}
}
