package worker

import (
	"encoding/xml"
	"fmt"
	"os"
	"strconv"
)

// Summary is the JSON success payload built from bzt's final-stats dump.
type Summary struct {
	TestDuration float64        `json:"testDuration"`
	Groups       []GroupSummary `json:"groups"`
}

// GroupSummary holds the totals of one label ("" is the overall total).
type GroupSummary struct {
	Label         string             `json:"label"`
	Throughput    float64            `json:"throughput"`
	Concurrency   float64            `json:"concurrency"`
	Succeeded     float64            `json:"succeeded"`
	Failed        float64            `json:"failed"`
	AvgResponse   float64            `json:"avgResponseTime"`
	StdevResponse float64            `json:"stdevResponseTime"`
	AvgLatency    float64            `json:"avgLatency"`
	AvgConnect    float64            `json:"avgConnectTime"`
	Bytes         float64            `json:"bytes"`
	Percentiles   map[string]float64 `json:"percentiles,omitempty"`
	ResponseCodes map[string]float64 `json:"responseCodes,omitempty"`
}

type finalStatus struct {
	XMLName      xml.Name    `xml:"FinalStatus"`
	TestDuration string      `xml:"TestDuration"`
	Groups       []statGroup `xml:"Group"`
}

type statGroup struct {
	Label       string      `xml:"label,attr"`
	Throughput  statValue   `xml:"throughput"`
	Concurrency statValue   `xml:"concurrency"`
	Succ        statValue   `xml:"succ"`
	Fail        statValue   `xml:"fail"`
	AvgRt       statValue   `xml:"avg_rt"`
	StdevRt     statValue   `xml:"stdev_rt"`
	AvgLt       statValue   `xml:"avg_lt"`
	AvgCt       statValue   `xml:"avg_ct"`
	Bytes       statValue   `xml:"bytes"`
	Perc        []statValue `xml:"perc"`
	Rc          []statValue `xml:"rc"`
}

type statValue struct {
	Value string `xml:"value,attr"`
	Param string `xml:"param,attr"`
}

func (v statValue) float() float64 {
	f, _ := strconv.ParseFloat(v.Value, 64)
	return f
}

// ParseResult decodes a final-stats XML dump.
func ParseResult(data []byte) (*Summary, error) {
	var fs finalStatus
	if err := xml.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("decode final-stats: %w", err)
	}

	s := &Summary{Groups: make([]GroupSummary, 0, len(fs.Groups))}
	if fs.TestDuration != "" {
		d, err := strconv.ParseFloat(fs.TestDuration, 64)
		if err != nil {
			return nil, fmt.Errorf("test duration %q: %w", fs.TestDuration, err)
		}
		s.TestDuration = d
	}

	for _, g := range fs.Groups {
		gs := GroupSummary{
			Label:         g.Label,
			Throughput:    g.Throughput.float(),
			Concurrency:   g.Concurrency.float(),
			Succeeded:     g.Succ.float(),
			Failed:        g.Fail.float(),
			AvgResponse:   g.AvgRt.float(),
			StdevResponse: g.StdevRt.float(),
			AvgLatency:    g.AvgLt.float(),
			AvgConnect:    g.AvgCt.float(),
			Bytes:         g.Bytes.float(),
		}
		if len(g.Perc) > 0 {
			gs.Percentiles = make(map[string]float64, len(g.Perc))
			for _, p := range g.Perc {
				gs.Percentiles[p.Param] = p.float()
			}
		}
		if len(g.Rc) > 0 {
			gs.ResponseCodes = make(map[string]float64, len(g.Rc))
			for _, rc := range g.Rc {
				gs.ResponseCodes[rc.Param] = rc.float()
			}
		}
		s.Groups = append(s.Groups, gs)
	}
	return s, nil
}

// ReadResult parses the final-stats dump at path.
func ReadResult(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read final-stats: %w", err)
	}
	return ParseResult(data)
}
