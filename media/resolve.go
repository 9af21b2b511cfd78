package media

// HeightLadder is the order in which target heights are tried: 480 first,
// then upward, then the low tiers.
var HeightLadder = []int{480, 720, 1080, 1440, 2160, 360, 240, 144}

// HeightTolerance is the maximum distance between a reported height and a
// ladder target for the rendition to count as that target.
const HeightTolerance = 100

// Resolve picks a selection from an unordered rendition set. Within a ladder
// step the rendition closest to the target wins and equal distances go to the
// first one in input order; the same first-encountered rule breaks ties
// between audio renditions with equal bitrate.
func Resolve(renditions []Rendition) Selection {
	if len(renditions) == 0 {
		return Fallback()
	}

	var combined, videoOnly, audioOnly []Rendition
	for _, r := range renditions {
		switch {
		case r.Combined():
			combined = append(combined, r)
		case r.VideoOnly():
			videoOnly = append(videoOnly, r)
		case r.AudioOnly():
			audioOnly = append(audioOnly, r)
		}
	}

	if r, ok := firstOnLadder(combined); ok {
		return CombinedSelection(r.ID)
	}

	video, hasVideo := firstOnLadder(videoOnly)
	audio, hasAudio := bestAudio(audioOnly)
	switch {
	case hasVideo && hasAudio:
		return PairedSelection(video.ID, audio.ID)
	case hasVideo:
		return VideoOnlySelection(video.ID)
	}
	return Fallback()
}

// MatchesHeight reports whether r is within HeightTolerance of target.
// Renditions without a height never match.
func MatchesHeight(r Rendition, target int) bool {
	if r.Height == nil {
		return false
	}
	return distance(*r.Height, target) <= HeightTolerance
}

func distance(height, target int) int {
	if d := height - target; d >= 0 {
		return d
	}
	return target - height
}

func firstOnLadder(candidates []Rendition) (Rendition, bool) {
	for _, target := range HeightLadder {
		best, bestDist := -1, HeightTolerance+1
		for i, r := range candidates {
			if !MatchesHeight(r, target) {
				continue
			}
			if d := distance(*r.Height, target); d < bestDist {
				best, bestDist = i, d
			}
		}
		if best >= 0 {
			return candidates[best], true
		}
	}
	return Rendition{}, false
}

// bestAudio returns the audio rendition with the highest bitrate; a missing
// bitrate counts as zero.
func bestAudio(candidates []Rendition) (Rendition, bool) {
	var best Rendition
	bestRate := -1.0
	for _, r := range candidates {
		rate := 0.0
		if r.AvgAudioBitrate != nil {
			rate = *r.AvgAudioBitrate
		}
		if rate > bestRate {
			best, bestRate = r, rate
		}
	}
	return best, bestRate >= 0
}
