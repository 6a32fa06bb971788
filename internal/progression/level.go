package progression

// XPPerLevel is the experience needed to advance one level.
const XPPerLevel = 1000

// LevelFor returns the level reached with xp experience points.
func LevelFor(xp int64) int {
	return max(1, int(xp/XPPerLevel)+1)
}

// XPFloor returns the minimum experience of level. Levels below 1 clamp to 1.
func XPFloor(level int) int64 {
	if level < 1 {
		level = 1
	}
	return XPPerLevel * int64(level-1)
}
