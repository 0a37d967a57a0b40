// Package codecs builds the payload converter shared by every Temporal
// client in the module. Workers, the relay and the CLI must agree on it.
package codecs

import "go.temporal.io/sdk/converter"

// DataConverter compresses payloads larger than the zlib codec's
// threshold. Snapshots are small, but agent inputs can carry long
// document lists.
func DataConverter() converter.DataConverter {
	return converter.NewCodecDataConverter(
		converter.GetDefaultDataConverter(),
		converter.NewZlibCodec(converter.ZlibCodecOptions{}),
	)
}
