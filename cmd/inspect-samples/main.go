package main

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
)

type sample struct {
	LongitudeInDegree float64 `json:"LongitudeInDegree"`
	LatitudeInDegree  float64 `json:"LatitudeInDegree"`
}

func main() {
	geojsonOut := flag.String("geojson", "", "Write the filtered route as a GeoJSON Feature to this path")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: inspect-samples [-geojson out.json] <samples.json|route.kml|route.kmz>")
		fmt.Println("Example: inspect-samples json/2024-05-01.json")
		os.Exit(1)
	}

	filePath := flag.Arg(0)

	samples, err := loadSamples(filePath)
	if err != nil {
		fmt.Printf("Error loading samples: %v\n", err)
		os.Exit(1)
	}

	route := inspect(samples, filepath.Base(filePath))

	if *geojsonOut != "" {
		if len(route) < 2 {
			fmt.Println("Not enough points to write a LineString")
			os.Exit(1)
		}
		data, err := geojson.NewFeature(route).MarshalJSON()
		if err != nil {
			fmt.Printf("Error encoding GeoJSON: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*geojsonOut, data, 0644); err != nil {
			fmt.Printf("Error writing GeoJSON: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("GeoJSON written to %s\n", *geojsonOut)
	}

	if len(route) < 2 {
		os.Exit(1)
	}
}

func loadSamples(path string) ([]sample, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var samples []sample
		if err := json.Unmarshal(data, &samples); err != nil {
			return nil, err
		}
		return samples, nil
	case ".kml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return kmlSamples(data)
	case ".kmz":
		data, err := extractKMLFromKMZ(path)
		if err != nil {
			return nil, err
		}
		return kmlSamples(data)
	default:
		return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
}

func extractKMLFromKMZ(kmzPath string) ([]byte, error) {
	r, err := zip.OpenReader(kmzPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	for _, f := range r.File {
		// Look for any .kml file (handles both "doc.kml" and "folder/doc.kml")
		if strings.HasSuffix(strings.ToLower(f.Name), ".kml") {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}

	return nil, fmt.Errorf("no .kml file found in KMZ archive")
}

// kmlSamples reads every <coordinates> element, "lng,lat[,alt]" tuples separated by whitespace
func kmlSamples(data []byte) ([]sample, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))

	var samples []sample
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			return samples, nil
		}
		if err != nil {
			return nil, err
		}

		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "coordinates" {
			continue
		}

		var raw string
		if err := decoder.DecodeElement(&raw, &start); err != nil {
			return nil, err
		}
		for _, part := range strings.Fields(raw) {
			values := strings.Split(part, ",")
			if len(values) < 2 {
				continue
			}
			lng, err1 := strconv.ParseFloat(values[0], 64)
			lat, err2 := strconv.ParseFloat(values[1], 64)
			if err1 != nil || err2 != nil {
				continue
			}
			samples = append(samples, sample{LongitudeInDegree: lng, LatitudeInDegree: lat})
		}
	}
}

func inspect(samples []sample, filename string) orb.LineString {
	var route orb.LineString
	dropped := 0
	for _, s := range samples {
		if s.LongitudeInDegree == 0 && s.LatitudeInDegree == 0 {
			dropped++
			continue
		}
		route = append(route, orb.Point{s.LongitudeInDegree, s.LatitudeInDegree})
	}

	fmt.Println("=" + strings.Repeat("=", 70))
	fmt.Printf("Sample Inspection: %s\n", filename)
	fmt.Println("=" + strings.Repeat("=", 70))
	fmt.Println()

	fmt.Println("📊 Counts:")
	fmt.Printf("  Samples:                      %d\n", len(samples))
	fmt.Printf("  Dropped (0,0) samples:        %d\n", dropped)
	fmt.Printf("  Route points:                 %d\n", len(route))
	fmt.Println()

	if len(route) == 0 {
		fmt.Println("⚠️  No usable coordinates, nothing would be rendered")
		fmt.Println()
		return route
	}

	bound := route.Bound()
	fmt.Println("🗺️  Bounding Box:")
	fmt.Printf("  [%.4f,%.4f,%.4f,%.4f]\n", bound.Min.Lon(), bound.Min.Lat(), bound.Max.Lon(), bound.Max.Lat())
	fmt.Printf("  Span:                         %.4f° x %.4f°\n", bound.Max.Lon()-bound.Min.Lon(), bound.Max.Lat()-bound.Min.Lat())
	fmt.Println()

	fmt.Println("📈 Route:")
	fmt.Printf("  Length:                       %.2f km\n", geo.Length(route)/1000)
	if len(route) > 1 {
		fmt.Printf("  Avg distance between points:  %.1f m\n", geo.Length(route)/float64(len(route)-1))
	}
	fmt.Printf("  Longest jump:                 %.1f m\n", longestJump(route))
	fmt.Println()

	if len(route) < 2 {
		fmt.Println("⚠️  Fewer than 2 points, the renderer will reject this file")
		fmt.Println()
	}

	fmt.Println("=" + strings.Repeat("=", 70))
	return route
}

func longestJump(route orb.LineString) float64 {
	longest := 0.0
	for i := 1; i < len(route); i++ {
		longest = math.Max(longest, geo.Distance(route[i-1], route[i]))
	}
	return longest
}
