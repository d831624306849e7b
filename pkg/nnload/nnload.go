// Package nnload knows about our concrete NN backends, so that callers can load
// a model with a single function call, without knowing the implementation details.
package nnload

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/screenguard/pkg/cvdnn"
	"github.com/cyclopcam/screenguard/pkg/iox"
	"github.com/cyclopcam/screenguard/pkg/nn"
	"github.com/cyclopcam/screenguard/pkg/objdetect"
)

func downloadFile(srcUrl, targetFile string) error {
	if err := os.MkdirAll(filepath.Dir(targetFile), 0755); err != nil {
		return err
	}
	resp, err := http.DefaultClient.Get(srcUrl)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("HTTP error %v", resp.Status)
	}
	return iox.WriteStreamToFile(targetFile, resp.Body)
}

// If path is a URL, download the model and its config into cacheDir, unless they're already there,
// and return the local path of the model.
func fetch(log logs.Log, cacheDir, path string) (string, error) {
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		return path, nil
	}
	base := strings.TrimSuffix(path, filepath.Ext(path))
	local := filepath.Join(cacheDir, filepath.Base(path))
	localBase := strings.TrimSuffix(local, filepath.Ext(local))
	for _, pair := range [][2]string{{path, local}, {base + ".json", localBase + ".json"}} {
		if _, err := os.Stat(pair[1]); os.IsNotExist(err) {
			log.Infof("Downloading %v to %v", pair[0], pair[1])
			if err := downloadFile(pair[0], pair[1]); err != nil {
				return "", fmt.Errorf("Download of %v failed: %w", pair[0], err)
			}
		} else if err != nil {
			return "", err
		}
	}
	return local, nil
}

// LoadModel loads a model from disk (or a URL). The model's config is read from
// the file with the same name, and a .json extension.
func LoadModel(log logs.Log, cacheDir, path string, params *nn.DetectionParams) (objdetect.Model, error) {
	local, err := fetch(log, cacheDir, path)
	if err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(local, filepath.Ext(local))
	config, err := nn.LoadModelConfig(base + ".json")
	if err != nil {
		return nil, fmt.Errorf("Failed to load model config: %w", err)
	}
	if len(config.Classes) == 0 {
		config.Classes = nn.COCOClasses
	}
	switch strings.ToLower(filepath.Ext(local)) {
	case ".onnx":
		raw, err := cvdnn.NewDetector(config, local)
		if err != nil {
			return nil, err
		}
		log.Infof("Loaded %v (%v %vx%v)", local, config.Architecture, config.Width, config.Height)
		return objdetect.NewYoloModel(raw, params), nil
	}
	return nil, fmt.Errorf("Unrecognized NN model type %v", local)
}

// Loader returns an objdetect.ModelLoader that uses LoadModel
func Loader(log logs.Log, cacheDir string) objdetect.ModelLoader {
	return func(path string) (objdetect.Model, error) {
		return LoadModel(log, cacheDir, path, nil)
	}
}
