package scanner

// All builds every scanner against one dependency set. Scanners check their
// enabled flag on each tick, so the full set always runs and config reloads
// toggle strategies without a restart.
func All(deps Deps) []Scanner {
	return []Scanner{
		NewSinglePlatform(deps),
		NewCrossPlatform(deps),
		NewCopyTrade(deps),
		NewMarketMaker(deps),
		NewFunding(deps),
		NewGrid(deps),
		NewPairs(deps),
		NewMeanReversion(deps),
		NewMomentum(deps),
	}
}
