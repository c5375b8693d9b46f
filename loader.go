package main

import (
	"archive/zip"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var supportedInputExts = map[string]bool{
	".json": true,
	".kml":  true,
	".kmz":  true,
}

// ListInputFiles returns the sample files in dir, sorted by name
func ListInputFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read input directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if supportedInputExts[strings.ToLower(filepath.Ext(entry.Name()))] {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}

	sort.Strings(files)
	return files, nil
}

// LoadSamples reads coordinate samples from a .json, .kml or .kmz file
func LoadSamples(path string) ([]CoordinateSample, error) {
	logger := slog.With("path", path)

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read sample file: %w", err)
		}
		var samples []CoordinateSample
		if err := json.Unmarshal(data, &samples); err != nil {
			return nil, fmt.Errorf("failed to parse sample file: %w", err)
		}
		logger.Debug("samples loaded", "count", len(samples))
		return samples, nil

	case ".kml":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open KML file: %w", err)
		}
		defer f.Close()
		return parseKMLSamples(f)

	case ".kmz":
		return loadKMZSamples(path)

	default:
		return nil, fmt.Errorf("unsupported sample file type %q", ext)
	}
}

// parseKMLSamples collects every LineString's coordinates in document order.
// Namespaces are ignored so both KML 2.2 and unqualified documents parse.
func parseKMLSamples(r io.Reader) ([]CoordinateSample, error) {
	decoder := xml.NewDecoder(r)

	var samples []CoordinateSample
	inLineString := false

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse KML: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "LineString":
				inLineString = true
			case "coordinates":
				if !inLineString {
					continue
				}
				var raw string
				if err := decoder.DecodeElement(&raw, &t); err != nil {
					return nil, fmt.Errorf("failed to parse KML coordinates: %w", err)
				}
				samples = append(samples, parseKMLCoordinates(raw)...)
			}
		case xml.EndElement:
			if t.Name.Local == "LineString" {
				inLineString = false
			}
		}
	}

	return samples, nil
}

// parseKMLCoordinates parses a KML coordinate string
// KML format: "lng,lat,elev lng,lat,elev ..." (space-separated, comma-separated inner)
func parseKMLCoordinates(coordString string) []CoordinateSample {
	var samples []CoordinateSample

	for _, part := range strings.Fields(coordString) {
		values := strings.Split(part, ",")
		if len(values) < 2 {
			continue
		}

		lng, err1 := strconv.ParseFloat(values[0], 64)
		lat, err2 := strconv.ParseFloat(values[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}

		samples = append(samples, CoordinateSample{LongitudeInDegree: lng, LatitudeInDegree: lat})
	}

	return samples
}

// loadKMZSamples reads the KML document packed inside a KMZ archive.
// doc.kml is preferred, otherwise the first .kml entry is used.
func loadKMZSamples(path string) ([]CoordinateSample, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open KMZ file: %w", err)
	}
	defer reader.Close()

	var kml *zip.File
	for _, file := range reader.File {
		if file.FileInfo().IsDir() || !strings.EqualFold(filepath.Ext(file.Name), ".kml") {
			continue
		}
		if filepath.Base(file.Name) == "doc.kml" {
			kml = file
			break
		}
		if kml == nil {
			kml = file
		}
	}

	if kml == nil {
		return nil, fmt.Errorf("no .kml document found in %s", filepath.Base(path))
	}

	rc, err := kml.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s in KMZ: %w", kml.Name, err)
	}
	defer rc.Close()

	return parseKMLSamples(rc)
}
