package worker

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
)

const finalStatsXML = `<?xml version="1.0" ?>
<FinalStatus>
  <TestDuration>2.0</TestDuration>
  <Group label="">
    <throughput value="40" name="throughput"><name>throughput</name><value>40</value></throughput>
    <concurrency value="1"><name>concurrency</name><value>1</value></concurrency>
    <succ value="38"><name>succ</name><value>38</value></succ>
    <fail value="2"><name>fail</name><value>2</value></fail>
    <avg_rt value="0.051"><name>avg_rt</name><value>0.051</value></avg_rt>
    <stdev_rt value="0.004"><name>stdev_rt</name><value>0.004</value></stdev_rt>
    <avg_lt value="0.049"><name>avg_lt</name><value>0.049</value></avg_lt>
    <avg_ct value="0.012"><name>avg_ct</name><value>0.012</value></avg_ct>
    <bytes value="10240"><name>bytes</name><value>10240</value></bytes>
    <rc value="38" param="200"><name>rc/200</name><value>38</value></rc>
    <rc value="2" param="503"><name>rc/503</name><value>2</value></rc>
    <perc value="0.05" param="50.0"><name>perc/50.0</name><value>0.05</value></perc>
    <perc value="0.06" param="95.0"><name>perc/95.0</name><value>0.06</value></perc>
  </Group>
  <Group label="load-test">
    <throughput value="40"><name>throughput</name><value>40</value></throughput>
  </Group>
</FinalStatus>`

func TestParseResult(t *testing.T) {
	s, err := ParseResult([]byte(finalStatsXML))
	if err != nil {
		t.Fatalf("ParseResult: %v", err)
	}

	if s.TestDuration != 2.0 {
		t.Errorf("TestDuration = %v", s.TestDuration)
	}
	if len(s.Groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(s.Groups))
	}

	total := s.Groups[0]
	if total.Label != "" || total.Throughput != 40 || total.Succeeded != 38 || total.Failed != 2 {
		t.Errorf("total = %+v", total)
	}
	if total.AvgResponse != 0.051 || total.Bytes != 10240 {
		t.Errorf("avg_rt/bytes = %v/%v", total.AvgResponse, total.Bytes)
	}
	if total.ResponseCodes["503"] != 2 || total.Percentiles["95.0"] != 0.06 {
		t.Errorf("rc/perc = %v / %v", total.ResponseCodes, total.Percentiles)
	}

	if s.Groups[1].Label != "load-test" || s.Groups[1].Percentiles != nil {
		t.Errorf("labelled group = %+v", s.Groups[1])
	}
}

func TestParseResultErrors(t *testing.T) {
	if _, err := ParseResult([]byte("<FinalStatus><TestDuration>")); err == nil {
		t.Error("truncated XML parsed")
	}
	if _, err := ParseResult([]byte("<FinalStatus><TestDuration>long</TestDuration></FinalStatus>")); err == nil {
		t.Error("bad duration parsed")
	}
	if _, err := ParseResult([]byte("<Other/>")); err == nil {
		t.Error("wrong root element parsed")
	}
}

func TestReadResultMissing(t *testing.T) {
	if _, err := ReadResult(filepath.Join(t.TempDir(), "result.xml")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want not-exist", err)
	}
}
