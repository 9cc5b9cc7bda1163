package reader

import (
	"bytes"
	"image"
	_ "image/png" // registers the PNG header decoder
	"io"
	"path/filepath"
	"sort"

	"github.com/banshee-data/slamfeed/internal/config"
	"github.com/banshee-data/slamfeed/internal/element"
	"github.com/banshee-data/slamfeed/internal/filter"
	"github.com/banshee-data/slamfeed/internal/fsutil"
	"github.com/banshee-data/slamfeed/internal/sensors"
)

// imageReader walks <timestamp>.png frames. A stereo camera reads left/ and
// right/ subdirectories and pairs frames by name. Values are the image
// width and height; the payload is the encoded file bytes, left then right.
type imageReader struct {
	sensor  *sensors.Sensor
	camera  sensors.CameraParams
	fs      fsutil.FileSystem
	dirs    []string
	frames  []stereoFrame
	filters filter.Chain
	index   int
}

type stereoFrame struct {
	stampedFile
	present []bool // per dir
}

func newImageReader(env Env, s *sensors.Sensor, src config.SourceConfig) (Reader, error) {
	cam, _ := s.Camera()
	dirs := []string{src.Path}
	if s.Kind() == sensors.KindStereoCamera {
		dirs = []string{filepath.Join(src.Path, "left"), filepath.Join(src.Path, "right")}
	}

	frames, err := joinFrames(env.FS, dirs)
	if err != nil {
		return nil, err
	}
	return &imageReader{
		sensor: s,
		camera: cam,
		fs:     env.FS,
		dirs:   dirs,
		frames: frames,
		filters: filter.Chain{
			filter.Paired{Parts: len(dirs)},
			filter.Numeric{},
			&filter.Monotonic{AllowDuplicates: src.AllowDuplicates},
		},
	}, nil
}

// joinFrames merges the per-directory listings into one ordered frame list.
func joinFrames(fs fsutil.FileSystem, dirs []string) ([]stereoFrame, error) {
	byStem := make(map[string]int)
	var frames []stereoFrame
	for d, dir := range dirs {
		files, err := listStamped(fs, dir, ".png")
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			i, ok := byStem[f.stem]
			if !ok {
				i = len(frames)
				byStem[f.stem] = i
				frames = append(frames, stereoFrame{stampedFile: f, present: make([]bool, len(dirs))})
			}
			frames[i].present[d] = true
		}
	}
	sort.SliceStable(frames, func(i, j int) bool { return stampedLess(frames[i].stampedFile, frames[j].stampedFile) })
	return frames, nil
}

func (r *imageReader) Next() (element.Element, error) {
	if r.index >= len(r.frames) {
		return element.Element{}, io.EOF
	}
	f := r.frames[r.index]
	rec := filter.Record{Index: r.index, Fields: []string{f.stem}, Timestamp: f.ts}
	r.index++
	for _, p := range f.present {
		if p {
			rec.Parts++
		}
	}
	if err := r.filters.Check(rec); err != nil {
		return element.Element{}, err
	}

	var payload []byte
	var width, height int
	for _, dir := range r.dirs {
		data, err := r.fs.ReadFile(filepath.Join(dir, f.stem+".png"))
		if err != nil {
			return element.Element{}, sourceErr(r.sensor.Name(), dir, err)
		}
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return element.Element{}, decodeErr(r.sensor.Name(), rec.Index, "%s: %v", filepath.Base(dir), err)
		}
		if cfg.Width != r.camera.Width || cfg.Height != r.camera.Height {
			return element.Element{}, decodeErr(r.sensor.Name(), rec.Index, "image is %dx%d, camera is %dx%d",
				cfg.Width, cfg.Height, r.camera.Width, r.camera.Height)
		}
		width, height = cfg.Width, cfg.Height
		payload = append(payload, data...)
	}

	values := []float64{float64(width), float64(height)}
	return element.New(f.ts, element.NewMeasurement(r.sensor, values, payload), nil), nil
}

func (r *imageReader) Close() error { return nil }
