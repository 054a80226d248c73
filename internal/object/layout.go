package object

import (
	"errors"
	"strconv"
)

// ReservedFileID is the file id reserved for the per-folder metadata object; clients may not upload a file under
// this name.
const ReservedFileID = "metadata"

// ErrReservedFileID is returned by callers that validate a client-chosen file id before writing.
var ErrReservedFileID = errors.New("file id \"metadata\" is reserved")

// ValidateFileID rejects the reserved metadata file id, per §4.3 step 1.
func ValidateFileID(fileID string) error {
	if fileID == ReservedFileID {
		return ErrReservedFileID
	}
	return nil
}

// FolderPrefix returns the object-store key prefix for a folder, matching the "/<folder_id>" layout of §6.2.
func FolderPrefix(folderID int64) string {
	return strconv.FormatInt(folderID, 10)
}

// MetadataKey returns the key of a folder's metadata object.
func MetadataKey(folderID int64) string {
	return FolderPrefix(folderID) + "/" + ReservedFileID
}

// FileKey returns the key of a file object within a folder.
func FileKey(folderID int64, fileID string) string {
	return FolderPrefix(folderID) + "/" + fileID
}
