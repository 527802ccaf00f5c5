package service

var participantPalette = []string{
	"#E6194B",
	"#3CB44B",
	"#4363D8",
	"#F58231",
	"#911EB4",
	"#42D4F4",
	"#F032E6",
	"#9A6324",
	"#469990",
	"#808000",
}

// pickColor cycles through the palette starting at the join counter and
// returns the first color no active participant holds. When every color is
// taken the cycle position wins.
func pickColor(joinCount int, inUse map[string]bool) string {
	n := len(participantPalette)
	start := joinCount % n
	for i := 0; i < n; i++ {
		color := participantPalette[(start+i)%n]
		if !inUse[color] {
			return color
		}
	}
	return participantPalette[start]
}
