//go:build !darwin && !linux

package history

func detectFilesystem(string) (string, error) {
	return "", errDetectUnsupported
}
