package annaarchive

import (
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"novelext/pkg/source"
)

var volumeRegex = regexp.MustCompile(`(?i)vol\.? (\d+(\.\d+)?)|volume (\d+(\.\d+)?)`)

// unknownVolume sorts titles without a volume number after all others.
const unknownVolume = math.MaxFloat64

func volumeOf(title string) float64 {
	match := volumeRegex.FindString(title)
	if match == "" {
		return unknownVolume
	}
	_, number, _ := strings.Cut(match, " ")
	volume, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return unknownVolume
	}
	return volume
}

// sortByVolume groups results by volume number and puts one representative of
// every volume first, in ascending volume order, followed by the rest of each
// group. A representative is the first entry with a real cover whose title
// contains query, or else the first entry of the group.
func sortByVolume(results []source.ShowResponse, query, defaultImage string) []source.ShowResponse {
	groups := make(map[float64][]int)
	var volumes []float64
	for i, res := range results {
		volume := volumeOf(res.Name)
		if _, ok := groups[volume]; !ok {
			volumes = append(volumes, volume)
		}
		groups[volume] = append(groups[volume], i)
	}
	slices.Sort(volumes)

	picked := make(map[int]bool, len(volumes))
	sorted := make([]source.ShowResponse, 0, len(results))
	for _, volume := range volumes {
		idx := representative(results, groups[volume], query, defaultImage)
		picked[idx] = true
		sorted = append(sorted, results[idx])
	}

	for _, volume := range volumes {
		for _, idx := range groups[volume] {
			if !picked[idx] {
				sorted = append(sorted, results[idx])
			}
		}
	}

	return sorted
}

func representative(results []source.ShowResponse, group []int, query, defaultImage string) int {
	for _, idx := range group {
		if results[idx].CoverURL != defaultImage && strings.Contains(results[idx].Name, query) {
			return idx
		}
	}
	return group[0]
}
