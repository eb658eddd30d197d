// Package models manages the on-device speaker models: the catalog, where
// they live on disk and how they are downloaded.
package models

// Kind is the role a model plays in the diarization pipeline.
type Kind string

const (
	KindSegmentation Kind = "segmentation" // pyannote speaker segmentation
	KindEmbedding    Kind = "embedding"    // speaker embedding extractor
)

// ModelInfo describes one downloadable model.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Size        string `json:"size"`
	SizeBytes   int64  `json:"sizeBytes"`
	Description string `json:"description"`
	Recommended bool   `json:"recommended,omitempty"`
	DownloadURL string `json:"downloadUrl"`
	IsArchive   bool   `json:"isArchive,omitempty"` // tar.bz2 with the .onnx inside
}

// ModelStatus is a model's state on this machine.
type ModelStatus string

const (
	ModelStatusNotDownloaded ModelStatus = "not_downloaded"
	ModelStatusDownloading   ModelStatus = "downloading"
	ModelStatusDownloaded    ModelStatus = "downloaded"
	ModelStatusError         ModelStatus = "error"
)

// ModelState is a catalog entry plus its local status.
type ModelState struct {
	ModelInfo
	Status   ModelStatus `json:"status"`
	Progress float64     `json:"progress,omitempty"` // 0-100
	Error    string      `json:"error,omitempty"`
	Path     string      `json:"path,omitempty"`
}

// Registry is the model catalog.
var Registry = []ModelInfo{
	{
		ID:          "pyannote-segmentation-3.0",
		Name:        "Pyannote Segmentation 3.0",
		Kind:        KindSegmentation,
		Size:        "5.9 MB",
		SizeBytes:   5_900_000,
		Description: "Speaker segmentation (pyannote.audio)",
		Recommended: true,
		IsArchive:   true,
		DownloadURL: "https://github.com/k2-fsa/sherpa-onnx/releases/download/speaker-segmentation-models/sherpa-onnx-pyannote-segmentation-3-0.tar.bz2",
	},
	{
		ID:          "wespeaker-voxceleb-resnet34",
		Name:        "WeSpeaker ResNet34",
		Kind:        KindEmbedding,
		Size:        "26 MB",
		SizeBytes:   26_851_029,
		Description: "Speaker embedding (WeSpeaker ResNet34, VoxCeleb)",
		Recommended: true,
		DownloadURL: "https://github.com/k2-fsa/sherpa-onnx/releases/download/speaker-recongition-models/wespeaker_en_voxceleb_resnet34.onnx",
	},
	{
		ID:          "3dspeaker-speech-eres2net",
		Name:        "3D-Speaker ERes2Net",
		Kind:        KindEmbedding,
		Size:        "25 MB",
		SizeBytes:   25_000_000,
		Description: "Speaker embedding (3D-Speaker ERes2Net)",
		DownloadURL: "https://github.com/k2-fsa/sherpa-onnx/releases/download/speaker-recongition-models/3dspeaker_speech_eres2net_base_sv_zh-cn_3dspeaker_16k.onnx",
	},
}

// GetModelByID returns the catalog entry or nil.
func GetModelByID(id string) *ModelInfo {
	for _, m := range Registry {
		if m.ID == id {
			return &m
		}
	}
	return nil
}

// GetModelsByKind lists the catalog entries of one kind.
func GetModelsByKind(kind Kind) []ModelInfo {
	var result []ModelInfo
	for _, m := range Registry {
		if m.Kind == kind {
			result = append(result, m)
		}
	}
	return result
}

// Recommended returns the default model of a kind.
func Recommended(kind Kind) *ModelInfo {
	for _, m := range Registry {
		if m.Kind == kind && m.Recommended {
			return &m
		}
	}
	return nil
}
