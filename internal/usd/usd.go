// Package usd writes Blackhole's take archives as USDA, the ASCII form of
// Pixar's Universal Scene Description. No Go USD binding exists in the
// ecosystem, so stages are emitted as plain text (spec.md §4.7, §4.8;
// grounded on original_source/blackhole/usd_export.py's prim layout).
package usd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Sample is one timestamped pose to write into a camera's transform
// time samples.
type Sample struct {
	X, Y, Z          float64
	Pitch, Yaw, Roll float64
	TimecodeKey      int
}

// ArchiveSpec describes one per-device USD stage.
type ArchiveSpec struct {
	Path        string // output .usda file path
	Slate       string
	TakeNumber  int
	FrameRate   int
	TimecodeIn  int
	TimecodeOut int
	Map         string // empty means omitted
	Samples     []Sample
}

// WriteArchive creates the directories leading to spec.Path if needed, then
// writes a USDA stage with /World (group), /World/anim (group, carrying
// Slate and TakeNumber attributes) and /World/anim/<filename> (a Camera
// prim carrying translate and rotate-XYZ time samples).
//
// The prim name comes from the output file's base name, matching the
// original's use of the archive path's stem as the camera prim name.
func WriteArchive(spec ArchiveSpec) error {
	if err := os.MkdirAll(filepath.Dir(spec.Path), 0o755); err != nil {
		return fmt.Errorf("usd: create directory for %s: %w", spec.Path, err)
	}

	filename := strings.TrimSuffix(filepath.Base(spec.Path), filepath.Ext(spec.Path))

	var b strings.Builder
	fmt.Fprintf(&b, "#usda 1.0\n(\n")
	fmt.Fprintf(&b, "    startTimeCode = %d\n", spec.TimecodeIn)
	fmt.Fprintf(&b, "    endTimeCode = %d\n", spec.TimecodeOut)
	fmt.Fprintf(&b, "    framesPerSecond = %d\n", spec.FrameRate)
	fmt.Fprintf(&b, ")\n\n")

	fmt.Fprintf(&b, "def Xform \"World\" (\n    kind = \"group\"\n)\n{\n")
	if spec.Map != "" {
		fmt.Fprintf(&b, "    custom string Map = %q\n\n", spec.Map)
	}

	fmt.Fprintf(&b, "    def Xform \"anim\" (\n        kind = \"group\"\n    )\n    {\n")
	fmt.Fprintf(&b, "        custom string Slate = %q\n", spec.Slate)
	fmt.Fprintf(&b, "        custom int TakeNumber = %d\n\n", spec.TakeNumber)

	fmt.Fprintf(&b, "        def Camera %q (\n            kind = \"group\"\n        )\n        {\n", filename)
	writeTimeSamples(&b, spec.Samples)
	fmt.Fprintf(&b, "        }\n")

	fmt.Fprintf(&b, "    }\n")
	fmt.Fprintf(&b, "}\n")

	if err := os.WriteFile(spec.Path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("usd: write %s: %w", spec.Path, err)
	}
	return nil
}

// writeTimeSamples renders the translate and rotateXYZ ops for a camera
// prim. When the same frame appears more than once in Samples, the later
// occurrence wins (spec.md §4.7: "later samples at the same frame
// overwrite earlier ones").
func writeTimeSamples(b *strings.Builder, samples []Sample) {
	translate := make(map[int][3]float64, len(samples))
	rotate := make(map[int][3]float64, len(samples))
	frames := make([]int, 0, len(samples))
	seen := make(map[int]bool, len(samples))

	for _, s := range samples {
		if !seen[s.TimecodeKey] {
			seen[s.TimecodeKey] = true
			frames = append(frames, s.TimecodeKey)
		}
		translate[s.TimecodeKey] = [3]float64{s.X, s.Y, s.Z}
		rotate[s.TimecodeKey] = [3]float64{s.Pitch, s.Yaw, s.Roll}
	}
	sort.Ints(frames)

	fmt.Fprintf(b, "            double3 xformOp:translate.timeSamples = {\n")
	for _, f := range frames {
		v := translate[f]
		fmt.Fprintf(b, "                %s: (%s, %s, %s),\n", strconv.Itoa(f), formatFloat(v[0]), formatFloat(v[1]), formatFloat(v[2]))
	}
	fmt.Fprintf(b, "            }\n")

	fmt.Fprintf(b, "            double3 xformOp:rotateXYZ.timeSamples = {\n")
	for _, f := range frames {
		v := rotate[f]
		fmt.Fprintf(b, "                %s: (%s, %s, %s),\n", strconv.Itoa(f), formatFloat(v[0]), formatFloat(v[1]), formatFloat(v[2]))
	}
	fmt.Fprintf(b, "            }\n")

	fmt.Fprintf(b, "            uniform token[] xformOpOrder = [\"xformOp:translate\", \"xformOp:rotateXYZ\"]\n")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteMasterStage creates the take's master USDA stage, whose root layer
// sub-layers each per-device stage via a forward-slash relative path
// regardless of host OS (spec.md §4.8).
func WriteMasterStage(path string, relativeSubLayers []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("usd: create directory for %s: %w", path, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "#usda 1.0\n(\n    subLayers = [\n")
	for _, rel := range relativeSubLayers {
		fmt.Fprintf(&b, "        @../%s@,\n", filepath.ToSlash(rel))
	}
	fmt.Fprintf(&b, "    ]\n)\n")

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("usd: write %s: %w", path, err)
	}
	return nil
}
