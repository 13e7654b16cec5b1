// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package atomicfile

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Atomic files", func() {
	var (
		tdir string
		dest string
	)
	BeforeEach(func() {
		var err error
		tdir, err = ioutil.TempDir("", "atomicfile_test")
		Expect(err).ToNot(HaveOccurred())
		dest = filepath.Join(tdir, "sub", "state.bin")
	})
	AfterEach(func() {
		if tdir != "" {
			Expect(os.RemoveAll(tdir)).To(Succeed())
		}
	})

	entries := func() []string {
		fis, err := ioutil.ReadDir(filepath.Dir(dest))
		Expect(err).ToNot(HaveOccurred())
		names := make([]string, len(fis))
		for i, fi := range fis {
			names[i] = fi.Name()
		}
		return names
	}

	It("creates the destination on commit", func() {
		Expect(Write(dest, func(f *os.File) error {
			_, err := f.WriteString("hello")
			return err
		})).To(Succeed())

		data, err := ioutil.ReadFile(dest)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("hello"))
		Expect(entries()).To(ConsistOf("state.bin"))
	})

	It("replaces an existing destination", func() {
		Expect(os.MkdirAll(filepath.Dir(dest), 0755)).To(Succeed())
		Expect(ioutil.WriteFile(dest, []byte("old"), 0644)).To(Succeed())

		Expect(Write(dest, func(f *os.File) error {
			_, err := f.WriteString("new")
			return err
		})).To(Succeed())

		data, err := ioutil.ReadFile(dest)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("new"))
	})

	It("leaves the destination untouched on failure", func() {
		Expect(os.MkdirAll(filepath.Dir(dest), 0755)).To(Succeed())
		Expect(ioutil.WriteFile(dest, []byte("old"), 0644)).To(Succeed())

		testErr := errors.New("test error")
		err := Write(dest, func(f *os.File) error {
			_, _ = f.WriteString("partial")
			return testErr
		})
		Expect(err).To(Equal(testErr))

		data, err := ioutil.ReadFile(dest)
		Expect(err).ToNot(HaveOccurred())
		Expect(string(data)).To(Equal("old"))
		Expect(entries()).To(ConsistOf("state.bin"))
	})

	It("cannot be committed twice", func() {
		f, err := New(dest)
		Expect(err).ToNot(HaveOccurred())
		Expect(f.Commit()).To(Succeed())
		Expect(f.Commit()).ToNot(Succeed())
		Expect(f.Destroy()).To(Succeed())
	})
})

func TestAtomicFile(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Atomic File Tests")
}
