package tfevent

import (
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Hand-rolled encoding of the handful of TensorBoard messages this package
// emits, built directly on the protowire primitives. Field numbers follow
// tensorflow's event.proto, summary.proto and the hparams plugin's
// api.proto.
const (
	// Event
	fieldEventWallTime    = 1 // double
	fieldEventStep        = 2 // int64
	fieldEventFileVersion = 3 // string
	fieldEventSummary     = 5 // Summary

	// Summary and Summary.Value
	fieldSummaryValue     = 1 // repeated Value
	fieldValueTag         = 1 // string
	fieldValueSimpleValue = 2 // float
	fieldValueMetadata    = 9 // SummaryMetadata

	// SummaryMetadata and SummaryMetadata.PluginData
	fieldMetadataPluginData = 1 // PluginData
	fieldPluginName         = 1 // string
	fieldPluginContent      = 2 // bytes

	// HParamsPluginData
	fieldHParamsExperiment   = 2 // Experiment
	fieldHParamsSessionStart = 3 // SessionStartInfo
	fieldHParamsSessionEnd   = 4 // SessionEndInfo

	// Experiment
	fieldExperimentHParamInfos = 5 // repeated HParamInfo
	fieldExperimentMetricInfos = 6 // repeated MetricInfo

	// HParamInfo, MetricInfo, MetricName
	fieldHParamInfoName = 1 // string
	fieldHParamInfoType = 4 // DataType
	fieldMetricInfoName = 1 // MetricName
	fieldMetricNameTag  = 2 // string

	// SessionStartInfo
	fieldSessionStartHParams = 1 // map<string, google.protobuf.Value>
	fieldSessionStartTime    = 5 // double

	// SessionEndInfo
	fieldSessionEndStatus = 1 // Status
	fieldSessionEndTime   = 2 // double

	// map entries and google.protobuf.Value
	fieldMapKey           = 1
	fieldMapValue         = 2
	fieldValueStringValue = 3

	dataTypeString = 1 // hparams DataType DATA_TYPE_STRING
	statusSuccess  = 1 // hparams Status STATUS_SUCCESS
)

// hparamsPluginName routes the experiment summaries to TensorBoard's
// HPARAMS dashboard.
const hparamsPluginName = "hparams"

// Tags the hparams plugin looks summaries up under.
const (
	experimentTag       = "_hparams_/experiment"
	sessionStartInfoTag = "_hparams_/session_start_info"
	sessionEndInfoTag   = "_hparams_/session_end_info"
)

func appendDouble(b []byte, field protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, field, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendFloat(b []byte, field protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, field, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendVarint(b []byte, field protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, field, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, field protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, field protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// encodeEvent wraps an encoded Summary into an Event record.
func encodeEvent(wallTime float64, step int64, summary []byte) []byte {
	var b []byte
	b = appendDouble(b, fieldEventWallTime, wallTime)
	if step != 0 {
		b = appendVarint(b, fieldEventStep, uint64(step))
	}
	return appendMessage(b, fieldEventSummary, summary)
}

// encodeFileVersionEvent is the stream header every event file opens with.
func encodeFileVersionEvent(wallTime float64) []byte {
	var b []byte
	b = appendDouble(b, fieldEventWallTime, wallTime)
	return appendString(b, fieldEventFileVersion, "brain.Event:2")
}

// encodeScalarSummary builds a Summary holding one simple value.
func encodeScalarSummary(tag string, value float32) []byte {
	var val []byte
	val = appendString(val, fieldValueTag, tag)
	val = appendFloat(val, fieldValueSimpleValue, value)
	return appendMessage(nil, fieldSummaryValue, val)
}

// encodeHParamsSummary builds a Summary whose single value carries hparams
// plugin data in its metadata instead of a scalar.
func encodeHParamsSummary(tag string, pluginData []byte) []byte {
	var plugin []byte
	plugin = appendString(plugin, fieldPluginName, hparamsPluginName)
	plugin = appendMessage(plugin, fieldPluginContent, pluginData)

	metadata := appendMessage(nil, fieldMetadataPluginData, plugin)

	var val []byte
	val = appendString(val, fieldValueTag, tag)
	val = appendMessage(val, fieldValueMetadata, metadata)
	return appendMessage(nil, fieldSummaryValue, val)
}

// encodeExperiment declares the hyperparameter columns and metric tags a
// session will report. All hyperparameters are declared as strings; values
// are coerced before they reach this package.
func encodeExperiment(hparamNames, metricTags []string) []byte {
	var exp []byte
	for _, name := range hparamNames {
		var info []byte
		info = appendString(info, fieldHParamInfoName, name)
		info = appendVarint(info, fieldHParamInfoType, dataTypeString)
		exp = appendMessage(exp, fieldExperimentHParamInfos, info)
	}
	for _, tag := range metricTags {
		name := appendString(nil, fieldMetricNameTag, tag)
		info := appendMessage(nil, fieldMetricInfoName, name)
		exp = appendMessage(exp, fieldExperimentMetricInfos, info)
	}
	return appendMessage(nil, fieldHParamsExperiment, exp)
}

// encodeSessionStart records the concrete hyperparameter values and the
// session start time.
func encodeSessionStart(hparams map[string]string, startSecs float64) []byte {
	keys := make([]string, 0, len(hparams))
	for k := range hparams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var ssi []byte
	for _, k := range keys {
		value := appendString(nil, fieldValueStringValue, hparams[k])

		var entry []byte
		entry = appendString(entry, fieldMapKey, k)
		entry = appendMessage(entry, fieldMapValue, value)
		ssi = appendMessage(ssi, fieldSessionStartHParams, entry)
	}
	ssi = appendDouble(ssi, fieldSessionStartTime, startSecs)
	return appendMessage(nil, fieldHParamsSessionStart, ssi)
}

// encodeSessionEnd closes the session with a success status.
func encodeSessionEnd(endSecs float64) []byte {
	var sei []byte
	sei = appendVarint(sei, fieldSessionEndStatus, statusSuccess)
	sei = appendDouble(sei, fieldSessionEndTime, endSecs)
	return appendMessage(nil, fieldHParamsSessionEnd, sei)
}
