package progress

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/fingolabs/fingo/internal/models"
)

// Line patterns for the trainers we ship engines for. ai-toolkit prints
// "name: 37/200 loss: 0.0213" style lines and tqdm prints
// "37/200 [00:41<03:02, 1.12it/s]".
var (
	stepPattern  = regexp.MustCompile(`(?i)\bsteps?[:\s]+(\d+)\s*/\s*(\d+)`)
	tqdmPattern  = regexp.MustCompile(`(\d+)/(\d+)\s*\[`)
	speedPattern = regexp.MustCompile(`([\d.]+)\s*it/s`)
	lossPattern  = regexp.MustCompile(`(?i)\bloss[:=\s]+([\d.]+(?:[eE][-+]?\d+)?)`)
	lrPattern    = regexp.MustCompile(`(?i)\blr[:=\s]+([\d.]+(?:[eE][-+]?\d+)?)`)
)

// ParsedLine holds the fields recovered from one raw output line.
type ParsedLine struct {
	Step  int
	Total int
	Loss  *float64
	LR    *float64
	Speed *float64 // iterations per second
}

// ParseLine scans a raw engine output line for progress markers. The second
// return value is false when the line carries no step counter.
func ParseLine(line string) (ParsedLine, bool) {
	var parsed ParsedLine

	if m := stepPattern.FindStringSubmatch(line); m != nil {
		parsed.Step, _ = strconv.Atoi(m[1])
		parsed.Total, _ = strconv.Atoi(m[2])
	} else if m := tqdmPattern.FindStringSubmatch(line); m != nil {
		parsed.Step, _ = strconv.Atoi(m[1])
		parsed.Total, _ = strconv.Atoi(m[2])
	} else {
		return ParsedLine{}, false
	}

	if parsed.Total <= 0 || parsed.Step > parsed.Total {
		return ParsedLine{}, false
	}

	if m := speedPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			parsed.Speed = &v
		}
	}
	if m := lossPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			parsed.Loss = &v
		}
	}
	if m := lrPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			parsed.LR = &v
		}
	}

	return parsed, true
}

// structuredRecord is the JSON progress record engines emit when the
// backend supports a progress callback. The step total appears under
// different keys depending on the trainer build, so all three are accepted.
type structuredRecord struct {
	Step       int      `json:"step"`
	Total      int      `json:"total"`
	TotalSteps int      `json:"total_steps"`
	StepsTotal int      `json:"steps_total"`
	Loss       *float64 `json:"loss,omitempty"`
	LR         *float64 `json:"lr,omitempty"`
	Speed      *float64 `json:"it_per_sec,omitempty"`
}

func (r structuredRecord) total() int {
	if r.Total > 0 {
		return r.Total
	}
	if r.TotalSteps > 0 {
		return r.TotalSteps
	}
	return r.StepsTotal
}

// ParseStructured decodes a JSON progress record from an output line. Lines
// that are not JSON, or are JSON without a step counter, return false.
func ParseStructured(line string) (Observation, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return Observation{}, false
	}

	var rec structuredRecord
	if err := json.Unmarshal([]byte(trimmed), &rec); err != nil {
		return Observation{}, false
	}
	total := rec.total()
	if rec.Step <= 0 || total <= 0 || rec.Step > total {
		return Observation{}, false
	}

	return Observation{
		Step:   rec.Step,
		Total:  total,
		Loss:   rec.Loss,
		LR:     rec.LR,
		Speed:  rec.Speed,
		Source: models.ProgressSourceStructured,
	}, true
}

// gpuPattern matches telemetry lines like
// "gpu: util=87% mem=18.2/24.0GB temp=71C power=310W".
var gpuPattern = regexp.MustCompile(`(?i)^gpu:\s*util=([\d.]+)%\s+mem=([\d.]+)/([\d.]+)GB\s+temp=([\d.]+)C\s+power=([\d.]+)W`)

// ParseGPULine extracts GPU telemetry from an output line.
func ParseGPULine(line string) (*models.GPUMetrics, bool) {
	m := gpuPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return nil, false
	}

	parse := func(s string) float64 {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	return &models.GPUMetrics{
		UtilizationPct: parse(m[1]),
		MemoryUsedGB:   parse(m[2]),
		MemoryTotalGB:  parse(m[3]),
		TemperatureC:   parse(m[4]),
		PowerWatts:     parse(m[5]),
	}, true
}
