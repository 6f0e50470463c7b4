// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package tracker

// DetectMediaChange decides whether a poll represents new content on an
// existing transport session, i.e. whether the open logical session must be
// closed and a new one opened under the same key.
//
// A changed content identifier alone is ambiguous: it is the normal signature
// of live-TV channel switching as well as of a genuinely new stream. The live
// UUID, which persists for one continuous live tune-in regardless of channel,
// is the disambiguator. When either rating key is missing the poll carries too
// little identity to segment on, so the session is treated as unchanged rather
// than fragmented on incomplete data.
//
//	existing key | new key | live UUIDs            | changed
//	equal        | equal   | -                     | false
//	empty        | any     | -                     | false
//	any          | empty   | -                     | false
//	differ       | differ  | both present, equal   | false (channel surf)
//	differ       | differ  | missing or unequal    | true
func DetectMediaChange(existingRatingKey, newRatingKey, existingLiveUUID, newLiveUUID string) bool {
	if existingRatingKey == "" || newRatingKey == "" {
		return false
	}
	if existingRatingKey == newRatingKey {
		return false
	}
	if existingLiveUUID != "" && existingLiveUUID == newLiveUUID {
		return false
	}
	return true
}
