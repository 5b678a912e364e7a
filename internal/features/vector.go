// Package features turns a traffic sample and its sliding-window snapshot
// into the named flow-statistics vector a trained classifier expects.
package features

import (
	"math"
	"strings"
	"time"

	"github.com/skywalker-88/stormgate/internal/window"
)

const epsilon = 1e-6

// TrafficSample is one inbound request as seen by the extractor.
type TrafficSample struct {
	ClientIP      string
	Headers       map[string]string
	ContentLength int64
	Timestamp     time.Time
}

// NormalizedHeaders returns sample.Headers folded to lowercase keys, per
// spec.md §4.3: header values don't feed the feature vector but must be
// available to the detector heuristics.
func (s TrafficSample) NormalizedHeaders() map[string]string {
	out := make(map[string]string, len(s.Headers))
	for k, v := range s.Headers {
		out[strings.ToLower(k)] = v
	}
	return out
}

// FeatureVector is the fixed, named field set a trained classifier was fit
// on, mirroring the CICFlowMeter-style column names the original model used.
type FeatureVector struct {
	FlowDuration            float64
	TotalFwdPackets         float64
	TotalBackwardPackets    float64
	TotalLengthFwdPackets   float64
	TotalLengthBwdPackets   float64
	FlowBytesPerSecond      float64
	FlowPacketsPerSecond    float64
	FlowIATMean             float64
	FlowIATStd              float64
	FlowIATMax              float64
	FlowIATMin              float64
	FwdPacketLengthMax      float64
	FwdPacketLengthMin      float64
	PSHFlagCount            float64
	AveragePacketSize       float64
	PacketLengthStd         float64

	IPRequestRate     float64
	GlobalRequestRate float64
	UniqueIPCount     int
	BurstScore        float64
}

// ToMap renders the vector as the named feature map a Model consumes,
// matching FeatureMapping.REQUIRED_FEATURES field names one for one.
func (fv FeatureVector) ToMap() map[string]float64 {
	return map[string]float64{
		"Flow Duration":                  fv.FlowDuration,
		"Total Fwd Packets":               fv.TotalFwdPackets,
		"Total Backward Packets":          fv.TotalBackwardPackets,
		"Total Length of Fwd Packets":     fv.TotalLengthFwdPackets,
		"Total Length of Bwd Packets":     fv.TotalLengthBwdPackets,
		"Flow Bytes/s":                    fv.FlowBytesPerSecond,
		"Flow Packets/s":                  fv.FlowPacketsPerSecond,
		"Flow IAT Mean":                   fv.FlowIATMean,
		"Flow IAT Std":                    fv.FlowIATStd,
		"Flow IAT Max":                    fv.FlowIATMax,
		"Flow IAT Min":                    fv.FlowIATMin,
		"Fwd Packet Length Max":           fv.FwdPacketLengthMax,
		"Fwd Packet Length Min":           fv.FwdPacketLengthMin,
		"PSH Flag Count":                  fv.PSHFlagCount,
		"Average Packet Size":             fv.AveragePacketSize,
		"Packet Length Std":               fv.PacketLengthStd,
	}
}

// Extractor computes FeatureVectors from traffic samples, recording each
// sample into the sliding-window store as it goes.
type Extractor struct {
	store         *window.Store
	windowSeconds float64
}

// New builds an Extractor over store, which must have been constructed with
// the same window as windowSeconds.
func New(store *window.Store, windowSeconds int) *Extractor {
	return &Extractor{store: store, windowSeconds: float64(windowSeconds)}
}

// Compute implements spec.md §4.3: add the sample as an event, then derive
// the named feature vector from the resulting window snapshot.
func (e *Extractor) Compute(sample TrafficSample) FeatureVector {
	snap := e.store.AddEvent(sample.ClientIP, sample.ContentLength, sample.Timestamp)

	burst := 0.0
	if snap.IPRequestRate > 0 {
		denom := math.Max(snap.GlobalRequestRate/math.Max(float64(snap.UniqueIPCount), 1), epsilon)
		burst = snap.IPRequestRate / denom
	}

	fv := FeatureVector{
		FlowDuration:          e.windowSeconds,
		TotalFwdPackets:       float64(snap.IPEventCount),
		TotalLengthFwdPackets: sumContentLength(snap.IPHistory),
		FlowPacketsPerSecond:  float64(snap.IPEventCount) / e.windowSeconds,
		IPRequestRate:         snap.IPRequestRate,
		GlobalRequestRate:     snap.GlobalRequestRate,
		UniqueIPCount:         snap.UniqueIPCount,
		BurstScore:            burst,
	}
	fv.FlowBytesPerSecond = fv.TotalLengthFwdPackets / e.windowSeconds

	iatMean, iatStd, iatMax, iatMin := interArrivalStats(snap.IPHistory)
	fv.FlowIATMean = iatMean
	fv.FlowIATStd = iatStd
	fv.FlowIATMax = iatMax
	fv.FlowIATMin = iatMin

	sizeMax, sizeMin, sizeMean, sizeStd := packetLengthStats(snap.IPHistory)
	fv.FwdPacketLengthMax = sizeMax
	fv.FwdPacketLengthMin = sizeMin
	fv.AveragePacketSize = sizeMean
	fv.PacketLengthStd = sizeStd

	return fv
}

func sumContentLength(history []window.Event) float64 {
	var total float64
	for _, ev := range history {
		total += float64(ev.ContentLength)
	}
	return total
}

// interArrivalStats returns (mean, std, max, min) inter-arrival seconds
// across history, all zero when fewer than two events are present.
func interArrivalStats(history []window.Event) (mean, std, max, min float64) {
	if len(history) < 2 {
		return 0, 0, 0, 0
	}
	iats := make([]float64, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		iats = append(iats, history[i].Timestamp.Sub(history[i-1].Timestamp).Seconds())
	}
	mean = meanOf(iats)
	std = stddevOf(iats, mean)
	max, min = iats[0], iats[0]
	for _, v := range iats {
		if v > max {
			max = v
		}
		if v < min {
			min = v
		}
	}
	return mean, std, max, min
}

func packetLengthStats(history []window.Event) (max, min, mean, std float64) {
	if len(history) == 0 {
		return 0, 0, 0, 0
	}
	sizes := make([]float64, len(history))
	for i, ev := range history {
		sizes[i] = float64(ev.ContentLength)
	}
	max, min = sizes[0], sizes[0]
	for _, v := range sizes {
		if v > max {
			max = v
		}
		if v < min {
			min = v
		}
	}
	mean = meanOf(sizes)
	std = stddevOf(sizes, mean)
	return max, min, mean, std
}

func meanOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func stddevOf(vals []float64, mean float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sumSq float64
	for _, v := range vals {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(vals)))
}
