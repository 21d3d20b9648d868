package stages

import (
	"github.com/mitchellh/mapstructure"

	"firestige.xyz/eegpipe/internal/core"
	"firestige.xyz/eegpipe/internal/registry"
	"firestige.xyz/eegpipe/internal/stage"
)

func decodeParams(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		Result:      out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

// RegisterBuiltins wires every stage type this engine ships against reg.
// publisher is the process-wide broker, used only by websocket_sink.
func RegisterBuiltins(reg *registry.Registry, publisher Publisher) {
	reg.Register("acquire", func(raw map[string]any) (stage.Stage, error) {
		var p AcquireParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return NewAcquire(p)
	}, registry.TypeInfo{
		Outputs:   []registry.Port{{Name: "out", Variants: []core.Variant{core.VariantRawI32}}},
		NewParams: func() any { return &AcquireParams{} },
	})

	reg.Register("to_voltage", func(raw map[string]any) (stage.Stage, error) {
		var p ToVoltageParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return NewToVoltage(p)
	}, registry.TypeInfo{
		Inputs:    []registry.Port{{Name: "in", Variants: []core.Variant{core.VariantRawI32}}},
		Outputs:   []registry.Port{{Name: "out", Variants: []core.Variant{core.VariantVoltage}}},
		NewParams: func() any { return &ToVoltageParams{} },
	})

	reg.Register("filter", func(raw map[string]any) (stage.Stage, error) {
		var p FilterParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return NewFilter(p)
	}, registry.TypeInfo{
		Inputs:    []registry.Port{{Name: "in", Variants: []core.Variant{core.VariantVoltage}}},
		Outputs:   []registry.Port{{Name: "out", Variants: []core.Variant{core.VariantVoltage}}},
		NewParams: func() any { return &FilterParams{} },
	})

	reg.Register("fft", func(raw map[string]any) (stage.Stage, error) {
		var p FFTParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return NewFFT(p)
	}, registry.TypeInfo{
		Inputs:    []registry.Port{{Name: "in", Variants: []core.Variant{core.VariantVoltage}}},
		Outputs:   []registry.Port{{Name: "out", Variants: []core.Variant{core.VariantSpectrum}}},
		NewParams: func() any { return &FFTParams{} },
	})

	reg.Register("align_and_zip", func(raw map[string]any) (stage.Stage, error) {
		var p AlignAndZipParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return NewAlignAndZip(p)
	}, registry.TypeInfo{
		Inputs: []registry.Port{
			{Name: "a", Variants: []core.Variant{core.VariantRawI32, core.VariantVoltage}},
			{Name: "b", Variants: []core.Variant{core.VariantRawI32, core.VariantVoltage}},
		},
		Outputs:   []registry.Port{{Name: "out", Variants: []core.Variant{core.VariantRawAndVoltage}}},
		NewParams: func() any { return &AlignAndZipParams{} },
	})

	reg.Register("csv_sink", func(raw map[string]any) (stage.Stage, error) {
		var p CSVSinkParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return NewCSVSink(p)
	}, registry.TypeInfo{
		Inputs:    []registry.Port{{Name: "in", Variants: []core.Variant{core.VariantVoltage, core.VariantRawAndVoltage}}},
		NewParams: func() any { return &CSVSinkParams{} },
	})

	reg.Register("websocket_sink", func(raw map[string]any) (stage.Stage, error) {
		var p WebsocketSinkParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return NewWebsocketSink(p, publisher)
	}, registry.TypeInfo{
		Inputs: []registry.Port{{Name: "in", Variants: []core.Variant{
			core.VariantRawI32, core.VariantVoltage, core.VariantRawAndVoltage, core.VariantSpectrum,
		}}},
		NewParams: func() any { return &WebsocketSinkParams{} },
	})
}
