package export

import (
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// failingStorage fails on the nth Save
type failingStorage struct {
	saved   []string
	deleted []string
	failAt  int
}

func (f *failingStorage) Save(filename string, data []byte) (string, error) {
	if len(f.saved) == f.failAt {
		return "", errors.New("disk full")
	}
	f.saved = append(f.saved, filename)
	return filename, nil
}

func (f *failingStorage) Delete(path string) error {
	f.deleted = append(f.deleted, path)
	return nil
}

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(filepath.Join(tmpDir, "out"))
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Save", func() {
		var (
			filename  string
			savedPath string
			err       error
		)

		BeforeEach(func() {
			filename = "invoice.pdf.json"
		})

		JustBeforeEach(func() {
			savedPath, err = storage.Save(filename, []byte(`{"a": 1}`))
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should write the file into the output directory", func() {
				Expect(savedPath).To(Equal(filepath.Join(tmpDir, "out", filename)))
				data, readErr := os.ReadFile(savedPath)
				Expect(readErr).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal(`{"a": 1}`))
			})
		})

		When("the name contains directories", func() {
			BeforeEach(func() {
				filename = "../escape.csv"
			})

			It("should keep the file inside the output directory", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(savedPath).To(Equal(filepath.Join(tmpDir, "out", "escape.csv")))
			})
		})
	})

	Describe("Delete", func() {
		It("should remove the file", func() {
			path, err := storage.Save("a.csv", []byte("x"))
			Expect(err).NotTo(HaveOccurred())
			Expect(storage.Delete(path)).To(Succeed())
			Expect(path).NotTo(BeAnExistingFile())
		})

		It("should return an error for missing files", func() {
			Expect(storage.Delete(filepath.Join(tmpDir, "missing"))).NotTo(Succeed())
		})
	})
})

var _ = Describe("SaveAll", func() {
	It("should save every artifact", func() {
		s := &failingStorage{failAt: -1}
		paths, err := SaveAll(s, Artifact{Name: "a.json"}, Artifact{Name: "a.csv"})
		Expect(err).NotTo(HaveOccurred())
		Expect(paths).To(Equal([]string{"a.json", "a.csv"}))
	})

	It("should remove earlier artifacts when a save fails", func() {
		s := &failingStorage{failAt: 1}
		_, err := SaveAll(s, Artifact{Name: "a.json"}, Artifact{Name: "a.csv"})
		Expect(err).To(MatchError(ContainSubstring("disk full")))
		Expect(s.deleted).To(Equal([]string{"a.json"}))
	})
})
