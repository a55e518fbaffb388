package customization_test

import (
	"testing"

	"tourmatch/customization"
	"tourmatch/customization/customizationtest"
)

func TestMemoryRepository_Contract(t *testing.T) {
	customizationtest.RunRepositoryContract(t, func(t *testing.T) customization.Repository {
		return customization.NewMemoryRepository()
	})
}
