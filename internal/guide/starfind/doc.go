// Package starfind locates the guide star inside a frame.
//
// Responsibilities: the interchangeable centroid strategies selected by
// algorithm index, the source extractor used by the SEP strategies, frame
// region correlation for star-less guiding, and star autofind used to seed a
// lock position.
// Key types: Algorithm, Locator, Extractor, Star, RegionLocator, Peak.
//
// Every locator returns guide.NoStar when it cannot produce a position; it
// never returns an error for a bad frame.
package starfind
