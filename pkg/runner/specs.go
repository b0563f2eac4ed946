package runner

import "github.com/strataml/gpucoord/pkg/stagecache"

// BuiltinSpecs returns the stage contracts for the accelerator workloads
// this deployment schedules. Each contract names the input fields that
// identify the work, the output fields a trusted result must carry, and the
// outputs that are artifact paths.
func BuiltinSpecs() []stagecache.Spec {
	return []stagecache.Spec{
		{
			Name:                 "transcribe",
			CacheKeyFields:       []string{"audio_path", "language", "model"},
			RequiredOutputFields: []string{"transcript_path"},
			ArtifactFields:       []string{"transcript_path"},
			InputSchemaJSON: `{
				"type": "object",
				"required": ["audio_path"],
				"properties": {
					"audio_path": {"type": "string", "minLength": 1},
					"language":   {"type": "string"},
					"model":      {"type": "string"}
				}
			}`,
		},
		{
			Name:                 "diarize",
			CacheKeyFields:       []string{"audio_path", "num_speakers"},
			RequiredOutputFields: []string{"rttm_path"},
			ArtifactFields:       []string{"rttm_path"},
			InputSchemaJSON: `{
				"type": "object",
				"required": ["audio_path"],
				"properties": {
					"audio_path":   {"type": "string", "minLength": 1},
					"num_speakers": {"type": "integer", "minimum": 1}
				}
			}`,
		},
		{
			Name:                 "ocr",
			CacheKeyFields:       []string{"image_path", "language"},
			RequiredOutputFields: []string{"text_path"},
			ArtifactFields:       []string{"text_path"},
			InputSchemaJSON: `{
				"type": "object",
				"required": ["image_path"],
				"properties": {
					"image_path": {"type": "string", "minLength": 1},
					"language":   {"type": "string"}
				}
			}`,
		},
		{
			Name:                 "tts",
			CacheKeyFields:       []string{"text", "voice"},
			RequiredOutputFields: []string{"audio_path"},
			ArtifactFields:       []string{"audio_path"},
			InputSchemaJSON: `{
				"type": "object",
				"required": ["text"],
				"properties": {
					"text":  {"type": "string", "minLength": 1},
					"voice": {"type": "string"}
				}
			}`,
		},
		{
			Name:                 "separate",
			CacheKeyFields:       []string{"audio_path", "stems"},
			RequiredOutputFields: []string{"vocals_path", "accompaniment_path"},
			ArtifactFields:       []string{"vocals_path", "accompaniment_path"},
			InputSchemaJSON: `{
				"type": "object",
				"required": ["audio_path"],
				"properties": {
					"audio_path": {"type": "string", "minLength": 1},
					"stems":      {"type": "integer", "enum": [2, 4, 5]}
				}
			}`,
		},
	}
}

// RegisterBuiltins registers every builtin spec into the registry.
func RegisterBuiltins(registry *stagecache.Registry) error {
	for _, spec := range BuiltinSpecs() {
		if err := registry.Register(spec); err != nil {
			return err
		}
	}
	return nil
}
